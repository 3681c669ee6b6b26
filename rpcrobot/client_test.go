package rpcrobot

import (
	"context"
	"testing"
	"time"

	"labcell/apperr"
	"labcell/internal/mockrobot"
)

func waitFor(t *testing.T, cond func() bool, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func dialMock(t *testing.T, mock *mockrobot.Server) *Client {
	t.Helper()
	c := New(Config{
		Name:          "test-robot",
		URL:           mock.URL(),
		RetryInterval: 10 * time.Millisecond,
		DialTimeout:   time.Second,
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSendRequestSuccess(t *testing.T) {
	mock := mockrobot.New()
	defer mock.Close()

	c := dialMock(t, mock)

	resp, err := c.SendRequest(context.Background(), "navigation", "navigation_to_pose", map[string]interface{}{"pose_name": "shelf_1"}, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Finished(resp) {
		t.Fatalf("expected finish=true, got %+v", resp.Values)
	}

	calls := mock.Calls()
	if len(calls) != 1 || calls[0].Action != "navigation_to_pose" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestSendRequestRemoteFailure(t *testing.T) {
	mock := mockrobot.New()
	defer mock.Close()
	mock.SetResponder(func(mockrobot.Call) (bool, map[string]interface{}, string) {
		return false, map[string]interface{}{"finish": false}, "gripper jam"
	})

	c := dialMock(t, mock)
	_, err := c.SendRequest(context.Background(), "grab", "grab_object", nil, time.Second)
	if apperr.CodeOf(err) != apperr.CodeRobotRemoteError {
		t.Fatalf("expected CodeRobotRemoteError, got %v", err)
	}
}

func TestSendRequestTimeout(t *testing.T) {
	block := make(chan struct{})
	mock := mockrobot.New()
	defer mock.Close()
	mock.SetResponder(func(mockrobot.Call) (bool, map[string]interface{}, string) {
		<-block
		return true, nil, ""
	})
	defer close(block)

	c := dialMock(t, mock)
	_, err := c.SendRequest(context.Background(), "scan", "scan", nil, 50*time.Millisecond)
	if apperr.CodeOf(err) != apperr.CodeRobotTimeout {
		t.Fatalf("expected CodeRobotTimeout, got %v", err)
	}
}

func TestSendRequestWhileDisconnected(t *testing.T) {
	c := New(Config{Name: "offline", URL: "ws://127.0.0.1:1/"})
	_, err := c.SendRequest(context.Background(), "navigation", "navigation_to_pose", nil, time.Second)
	if apperr.CodeOf(err) != apperr.CodeRobotDisconnected {
		t.Fatalf("expected CodeRobotDisconnected, got %v", err)
	}
}

func TestConnectExhaustsRetries(t *testing.T) {
	c := New(Config{
		Name:             "unreachable",
		URL:              "ws://127.0.0.1:1/",
		MaxRetryAttempts: 2,
		RetryInterval:    5 * time.Millisecond,
		DialTimeout:      50 * time.Millisecond,
	})
	err := c.Connect(context.Background())
	if apperr.CodeOf(err) != apperr.CodeRobotDisconnected {
		t.Fatalf("expected CodeRobotDisconnected, got %v", err)
	}
}

func TestDisconnectWakesWaiters(t *testing.T) {
	mock := mockrobot.New()
	block := make(chan struct{})
	mock.SetResponder(func(mockrobot.Call) (bool, map[string]interface{}, string) {
		<-block
		return true, nil, ""
	})

	c := dialMock(t, mock)

	done := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "navigation", "navigation_to_pose", nil, 5*time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	mock.Close()
	close(block)

	select {
	case err := <-done:
		if apperr.CodeOf(err) != apperr.CodeRobotDisconnected {
			t.Fatalf("expected CodeRobotDisconnected after server close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendRequest did not return after server closed")
	}
}

func TestBackgroundReconnectRecoversLink(t *testing.T) {
	mock := mockrobot.New()
	defer mock.Close()

	c := dialMock(t, mock)

	c.mu.Lock()
	oldConn := c.conn
	c.mu.Unlock()

	mock.DropConnections()

	// State() is still Connected until the read loop notices the drop, so
	// wait for a fresh connection rather than for the state alone.
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.state == Connected && c.conn != nil && c.conn != oldConn
	}, 2*time.Second)

	resp, err := c.SendRequest(context.Background(), "navigation", "navigation_to_pose", map[string]interface{}{"pose_name": "shelf_1"}, time.Second)
	if err != nil {
		t.Fatalf("expected the background reconnect to restore the link: %v", err)
	}
	if !Finished(resp) {
		t.Fatalf("expected finish=true, got %+v", resp.Values)
	}
}
