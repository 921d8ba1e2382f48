package lava

import (
	"errors"
	"fmt"

	"github.com/dkeye/lava/objects"
)

var (
	// ErrNodeAlreadyExists is returned by NodePool.Create when the
	// identifier is already taken.
	ErrNodeAlreadyExists = errors.New("lava: a node with that identifier already exists")

	// ErrNodeNotFound is returned by NodePool.Get for an unknown identifier.
	ErrNodeNotFound = errors.New("lava: node not found")

	// ErrNoNodesAvailable is returned by NodePool.Get when the pool is empty.
	ErrNoNodesAvailable = errors.New("lava: no nodes available")

	// ErrAlreadyConnected is returned by Node.Connect when a live socket
	// already exists.
	ErrAlreadyConnected = errors.New("lava: node is already connected")

	// ErrNotConnected is returned when a command needs a live socket and
	// there is none.
	ErrNotConnected = errors.New("lava: node is not connected")

	// ErrInvalidCredentials is returned when the node rejects the
	// websocket handshake with a 401.
	ErrInvalidCredentials = errors.New("lava: node rejected the configured password")

	// ErrRouteMisconfigured is returned when the handshake fails with a
	// 403 or 404, which usually means a wrong websocket path.
	ErrRouteMisconfigured = errors.New("lava: node websocket path is wrong or forbidden")

	// ErrConnectionFailed is returned for any other handshake failure.
	ErrConnectionFailed = errors.New("lava: could not connect to node")

	// ErrNoResults is returned by Search when the node found nothing for
	// the query.
	ErrNoResults = errors.New("lava: no search results")
)

// HTTPError is returned by the REST layer once its retry budget is spent or
// the node answers with a client error.
type HTTPError struct {
	Status  int
	URL     string
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("lava: %s returned %d: %s", e.URL, e.Status, e.Message)
}

// SearchFailedError reports a load failure from the node itself, as opposed
// to a transport problem reaching it.
type SearchFailedError struct {
	Message  string
	Severity objects.Severity
	Cause    string
}

func (e *SearchFailedError) Error() string {
	return fmt.Sprintf("lava: search failed (%s): %s", e.Severity, e.Message)
}
