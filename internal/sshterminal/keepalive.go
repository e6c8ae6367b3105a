package sshterminal

import (
	"errors"
	"fmt"
	"log"
	"time"
)

var errProbeTimeout = errors.New("no reply")

// keepalive probes the transport every interval and fails the handle after
// countMax consecutive probes go unanswered.
func (h *Handle) keepalive(interval time.Duration, countMax int) {
	if interval <= 0 {
		return
	}
	if countMax <= 0 {
		countMax = 1
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-h.closed:
			return
		case <-ticker.C:
			if err := h.probe(interval); err != nil {
				missed++
				log.Printf("[sshterminal] session %s keepalive missed (%d/%d): %v", h.ConnectionID, missed, countMax, err)
				if missed >= countMax {
					h.fail(fmt.Errorf("connection lost: %d consecutive keepalive probes unanswered", missed))
					return
				}
				continue
			}
			missed = 0
		}
	}
}

// probe sends one keepalive@openssh.com request. A rejected request still
// proves the peer is alive; only a transport error or silence counts.
func (h *Handle) probe(timeout time.Duration) error {
	reply := make(chan error, 1)
	go func() {
		_, _, err := h.client.SendRequest("keepalive@openssh.com", true, nil)
		reply <- err
	}()

	select {
	case err := <-reply:
		return err
	case <-time.After(timeout):
		return errProbeTimeout
	case <-h.closed:
		return nil
	}
}
