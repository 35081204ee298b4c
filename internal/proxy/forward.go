package proxy

import (
	"errors"
	"io"
	"net"
)

// Result reports how many bytes were copied in each direction
type Result struct {
	// Sent is the number of bytes copied from the client to the target
	Sent int64
	// Received is the number of bytes copied from the target to the client
	Received int64
}

type copyResult struct {
	toTarget bool
	n        int64
	err      error
}

// Forward copies bytes between client and target in both directions until
// either side finishes. When one direction ends both connections are closed,
// which unblocks the other direction. The returned error is the one that
// ended the first direction; a clean EOF yields nil.
func Forward(client, target net.Conn) (Result, error) {
	results := make(chan copyResult, 2)

	// Client -> Target
	go func() {
		n, err := io.Copy(target, client)
		results <- copyResult{toTarget: true, n: n, err: err}
	}()

	// Target -> Client
	go func() {
		n, err := io.Copy(client, target)
		results <- copyResult{toTarget: false, n: n, err: err}
	}()

	first := <-results
	client.Close()
	target.Close()
	second := <-results

	var res Result
	for _, r := range []copyResult{first, second} {
		if r.toTarget {
			res.Sent = r.n
		} else {
			res.Received = r.n
		}
	}

	if first.err != nil && !errors.Is(first.err, io.EOF) && !errors.Is(first.err, net.ErrClosed) {
		return res, first.err
	}
	return res, nil
}
