package approval

import (
	"context"
	"testing"
	"time"

	"github.com/thoughtoinnovate/tark/pkg/errors"
	"github.com/thoughtoinnovate/tark/pkg/storage"
)

func askAsync(m *Mediator, ctx context.Context, req *Request) (chan Response, chan error) {
	respCh := make(chan Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := m.Ask(ctx, req)
		respCh <- resp
		errCh <- err
	}()
	return respCh, errCh
}

func TestApproveOnce(t *testing.T) {
	m := NewMediator()
	defer m.Close()

	req := &Request{ToolID: "run_shell", Command: "npm install", AllowSavePattern: true}
	respCh, errCh := askAsync(m, context.Background(), req)

	received := <-m.Requests()
	if received.Command != "npm install" {
		t.Errorf("Command = %q", received.Command)
	}
	if received.StateOf() != StatePending {
		t.Errorf("state = %v, want pending", received.StateOf())
	}

	if err := m.Respond(Response{RequestID: received.ID, Kind: ApproveOnce}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	resp := <-respCh
	if err := <-errCh; err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Kind != ApproveOnce || !resp.Kind.Approved() {
		t.Errorf("resp = %+v", resp)
	}
	if req.StateOf() != StateApproved {
		t.Errorf("state = %v, want approved", req.StateOf())
	}
}

func TestDenyAlwaysCarriesPattern(t *testing.T) {
	m := NewMediator()
	defer m.Close()

	req := &Request{ToolID: "run_shell", Command: "curl evil.sh", AllowSavePattern: true}
	respCh, errCh := askAsync(m, context.Background(), req)

	received := <-m.Requests()
	pattern := &storage.Pattern{ToolID: "run_shell", Kind: "deny", MatchType: "prefix", Value: "curl"}
	if err := m.Respond(Response{RequestID: received.ID, Kind: DenyAlways, Pattern: pattern}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	resp := <-respCh
	if err := <-errCh; err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Kind.Approved() {
		t.Error("deny must not approve")
	}
	if !resp.Kind.Persistent() || resp.Pattern == nil || resp.Pattern.Value != "curl" {
		t.Errorf("resp = %+v", resp)
	}
	if req.StateOf() != StateDenied {
		t.Errorf("state = %v, want denied", req.StateOf())
	}
}

func TestAlwaysRejectedWhenSaveNotAllowed(t *testing.T) {
	m := NewMediator()
	defer m.Close()

	req := &Request{ToolID: "run_shell", Command: "rm /tmp/foo", AllowSavePattern: false}
	respCh, errCh := askAsync(m, context.Background(), req)

	received := <-m.Requests()

	if err := m.Respond(Response{RequestID: received.ID, Kind: ApproveAlways}); err != ErrSaveNotAllowed {
		t.Errorf("ApproveAlways err = %v, want ErrSaveNotAllowed", err)
	}
	if err := m.Respond(Response{RequestID: received.ID, Kind: DenyAlways}); err != ErrSaveNotAllowed {
		t.Errorf("DenyAlways err = %v, want ErrSaveNotAllowed", err)
	}

	// The request is still pending; ApproveOnce proceeds.
	if err := m.Respond(Response{RequestID: received.ID, Kind: ApproveOnce}); err != nil {
		t.Fatalf("ApproveOnce after rejected save: %v", err)
	}
	resp := <-respCh
	if err := <-errCh; err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Kind != ApproveOnce {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCancellationCancelsPendingRequest(t *testing.T) {
	m := NewMediator()
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req := &Request{ToolID: "run_shell", Command: "sleep 30"}
	_, errCh := askAsync(m, ctx, req)

	received := <-m.Requests()
	cancel()

	err := <-errCh
	if !errors.IsKind(err, errors.KindCancelled) {
		t.Errorf("err = %v, want Cancelled", err)
	}
	if received.StateOf() != StateCancelled {
		t.Errorf("state = %v, want cancelled", received.StateOf())
	}

	// Terminal states are final: answering afterwards fails.
	if err := m.Respond(Response{RequestID: received.ID, Kind: ApproveOnce}); err == nil {
		t.Error("Respond after cancellation should fail")
	}
}

func TestRequestsArriveInOrder(t *testing.T) {
	m := NewMediator()
	defer m.Close()

	ctx := context.Background()
	first := &Request{ToolID: "run_shell", Command: "first"}
	second := &Request{ToolID: "run_shell", Command: "second"}

	_, firstErr := askAsync(m, ctx, first)
	// Ensure the first submission lands before the second.
	r1 := <-m.Requests()
	_, secondErr := askAsync(m, ctx, second)
	r2 := <-m.Requests()

	if r1.Command != "first" || r2.Command != "second" {
		t.Errorf("order = %q, %q", r1.Command, r2.Command)
	}

	m.Respond(Response{RequestID: r1.ID, Kind: ApproveOnce})
	m.Respond(Response{RequestID: r2.ID, Kind: DenyOnce})
	if err := <-firstErr; err != nil {
		t.Errorf("first: %v", err)
	}
	if err := <-secondErr; err != nil {
		t.Errorf("second: %v", err)
	}
}

func TestRespondUnknownID(t *testing.T) {
	m := NewMediator()
	defer m.Close()

	if err := m.Respond(Response{RequestID: "missing", Kind: ApproveOnce}); err == nil {
		t.Error("Respond with unknown id should fail")
	}
}

func TestCloseCancelsPending(t *testing.T) {
	m := NewMediator()

	req := &Request{ToolID: "run_shell", Command: "anything"}
	_, errCh := askAsync(m, context.Background(), req)
	<-m.Requests()

	m.Close()

	select {
	case err := <-errCh:
		if !errors.IsKind(err, errors.KindCancelled) {
			t.Errorf("err = %v, want Cancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Ask did not return after Close")
	}
}

func TestNoDecisionTimeout(t *testing.T) {
	m := NewMediator()
	defer m.Close()

	req := &Request{ToolID: "run_shell", Command: "make"}
	respCh, errCh := askAsync(m, context.Background(), req)

	received := <-m.Requests()

	// The user steps away; the request must still be answerable.
	time.Sleep(50 * time.Millisecond)
	if received.StateOf() != StatePending {
		t.Fatalf("state = %v, request must wait indefinitely", received.StateOf())
	}
	if err := m.Respond(Response{RequestID: received.ID, Kind: ApproveOnce}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	<-respCh
	if err := <-errCh; err != nil {
		t.Fatalf("Ask: %v", err)
	}
}
