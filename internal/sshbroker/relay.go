package sshbroker

import (
	"io"
	"log"
	"sync"
	"unicode/utf8"

	"github.com/gluk-w/claworc/ssh-service/internal/sshterminal"
)

const relayBufferSize = 32 * 1024

// relay forwards stdout as data events and stderr as error events until both
// streams end, then finishes the session.
func (b *Broker) relay(h *sshterminal.Handle) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		b.pump(h, h.Stdout(), func(text string) Event {
			return Event{Name: EventData, Data: DataPayload{ConnectionID: h.ConnectionID, Data: text}}
		})
	}()
	go func() {
		defer wg.Done()
		b.pump(h, h.Stderr(), func(text string) Event {
			return Event{Name: EventError, Data: ErrorPayload{ConnectionID: h.ConnectionID, Error: text}}
		})
	}()
	wg.Wait()
	b.finish(h)
}

// pump reads r until EOF and emits each chunk as text. A multi-byte UTF-8
// sequence split across reads is held back and joined with the next read.
func (b *Broker) pump(h *sshterminal.Handle, r io.Reader, event func(string) Event) {
	buf := make([]byte, relayBufferSize)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			cut := completePrefix(chunk)
			carry = append([]byte(nil), chunk[cut:]...)
			if cut > 0 {
				b.emitIfLive(h, event(string(chunk[:cut])))
			}
		}
		if err != nil {
			if len(carry) > 0 {
				b.emitIfLive(h, event(string(carry)))
			}
			if err != io.EOF {
				log.Printf("[sshbroker] session %s read: %v", h.ConnectionID, err)
			}
			return
		}
	}
}

// emitIfLive drops output from sessions that were already closed locally,
// so nothing reaches the client after its closed event.
func (b *Broker) emitIfLive(h *sshterminal.Handle, ev Event) {
	unlock := b.lockOutput(h.ConnectionID)
	defer unlock()
	if _, ok := b.reg.Lookup(h.ConnectionID); !ok {
		return
	}
	b.clients.Emit(h.ClientID, ev)
}

// finish runs once the remote streams have ended. If the session is still
// registered the remote side (or the transport) ended it, so the owner is
// told here; otherwise CloseSession or a cleanup pass already handled it.
func (b *Broker) finish(h *sshterminal.Handle) {
	if _, removed := b.reg.Remove(h.ConnectionID); !removed {
		return
	}
	remoteErr := h.Err()
	if remoteErr != nil {
		b.clients.Emit(h.ClientID, Event{Name: EventError, Data: ErrorPayload{ConnectionID: h.ConnectionID, Error: remoteErr.Error()}})
	}
	if err := h.Close(); err != nil {
		log.Printf("[sshbroker] session %s close: %v", h.ConnectionID, err)
	}
	b.clients.Emit(h.ClientID, Event{Name: EventClosed, Data: ClosedPayload{ConnectionID: h.ConnectionID}})
	log.Printf("[sshbroker] session %s closed by remote", h.ConnectionID)
	b.observer.SessionClosed(h, CloseReasonRemote, remoteErr)
}

// completePrefix returns the length of the longest prefix of p that does not
// end in an incomplete UTF-8 sequence.
func completePrefix(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
