// Package classify decides whether an observed filesystem entry warrants an
// alert: it does for any regular file or directory whose permission bits
// grant write access to the "others" class.
package classify

import (
	"fmt"
	"time"

	"github.com/your-org/owwatchd/internal/model"
)

// otherWrite is the write bit of the "others" permission class.
const otherWrite = 0o002

// Alert is the decision artifact for one world-writable observation. It is
// handed to each configured sink exactly once and then discarded; there is
// no retry queue.
type Alert struct {
	Time   time.Time       `json:"timestamp"`
	Path   string          `json:"path"`
	Kind   model.EntryKind `json:"kind"`
	Reason string          `json:"reason"`
}

// Payload is the message body sent to the syslog collector.
func (a Alert) Payload() string {
	return fmt.Sprintf("%s created with world-writable permissions: %s", a.Kind, a.Path)
}

// Classify reports whether entry is alert-worthy. It is a pure function of
// the captured metadata: it never re-stats the path, because a second stat
// is exactly the check-to-use gap this tool exists to expose. Owner and
// group bits are irrelevant; only the others-write bit decides. Symlinks
// never alert: their own bits are meaningless, and following the target
// would hand an attacker a dereference on our side of the race.
func Classify(entry model.FsEntry) (Alert, bool) {
	switch entry.Kind {
	case model.KindFile, model.KindDirectory:
	default:
		return Alert{}, false
	}
	if entry.Mode.Perm()&otherWrite == 0 {
		return Alert{}, false
	}
	return Alert{
		Time:   time.Now(),
		Path:   entry.Path,
		Kind:   entry.Kind,
		Reason: fmt.Sprintf("world-writable %s created", entry.Kind),
	}, true
}
