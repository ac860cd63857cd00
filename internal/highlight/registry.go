package highlight

import (
	"github.com/jakopako/ami/internal/automation"
	"github.com/jakopako/ami/internal/dom"
)

var sessions = automation.NewRegistry[*Session]()

// Bootstrap returns the session of hostID, creating and starting it on
// first use. Later calls ignore doc and opts. It must run on the loop of
// the document.
func Bootstrap(hostID string, doc *dom.Document, opts Options) (*Session, bool, error) {
	s, created, err := sessions.Ensure(hostID, func() (*Session, error) {
		return New(doc, opts)
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.Start()
	}
	return s, created, nil
}

// Lookup returns the session of hostID.
func Lookup(hostID string) (*Session, bool) {
	return sessions.Get(hostID)
}

// Teardown stops and forgets the session of hostID.
func Teardown(hostID string) bool {
	s, ok := sessions.Delete(hostID)
	if ok {
		s.Stop()
	}
	return ok
}

// Hosts returns the ids of all live sessions.
func Hosts() []string {
	return sessions.IDs()
}
