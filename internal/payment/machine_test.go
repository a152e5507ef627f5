package payment

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/bus"
	"github.com/huanleyuan/toshi-core/internal/eth"
	"github.com/huanleyuan/toshi-core/internal/sofa"
	"github.com/huanleyuan/toshi-core/internal/store"
	"github.com/huanleyuan/toshi-core/internal/wallet"
)

const (
	peerAddr = "0x4a40d412f25db163a9af6190752c0758bdca6aa0"
	destAddr = "0x4a40d412f25db163a9af6190752c0758bdca6aa1"
	selfAddr = "0x4a40d412f25db163a9af6190752c0758bdca6aa3"
)

func oneEther() *big.Int {
	v, _ := new(big.Int).SetString("1000000000000000000", 10)
	return v
}

type mockEthereum struct {
	mu         sync.Mutex
	gasPrice   *big.Int
	balance    *big.Int
	nonce      uint64
	submitErrs []error
	submitHash string
	submits    int
	statuses   map[string]eth.TxState
	statusErr  error
}

func richNode() *mockEthereum {
	return &mockEthereum{
		gasPrice:   big.NewInt(20_000_000_000),
		balance:    new(big.Int).Mul(oneEther(), big.NewInt(10)),
		nonce:      7,
		submitHash: "0xsubmitted",
		statuses:   make(map[string]eth.TxState),
	}
}

func (m *mockEthereum) GasPrice(ctx context.Context) (*big.Int, error) { return m.gasPrice, nil }
func (m *mockEthereum) Balance(ctx context.Context, address string) (*big.Int, error) {
	return m.balance, nil
}
func (m *mockEthereum) Nonce(ctx context.Context, address string) (uint64, error) {
	return m.nonce, nil
}

func (m *mockEthereum) SubmitTransaction(ctx context.Context, signed *eth.SignedTransaction) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	if len(m.submitErrs) > 0 {
		err := m.submitErrs[0]
		m.submitErrs = m.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return m.submitHash, nil
}

func (m *mockEthereum) TransactionStatus(ctx context.Context, txHash string) (eth.TxState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return "", m.statusErr
	}
	if s, ok := m.statuses[txHash]; ok {
		return s, nil
	}
	return eth.TxPending, nil
}

type signingWallet struct {
	addr    string
	signErr error
}

func (w *signingWallet) PaymentAddress() string { return w.addr }
func (w *signingWallet) SignTransaction(ctx context.Context, tx *eth.UnsignedTransaction) (*eth.SignedTransaction, error) {
	if w.signErr != nil {
		return nil, w.signErr
	}
	return &eth.SignedTransaction{Raw: "0xsignedraw", Hash: "0xsubmitted"}, nil
}

// mockMessenger stores announcements the way the chat manager would.
type mockMessenger struct {
	conv    *store.Conversations
	mu      sync.Mutex
	sent    []sofa.Payload
	resent  []string
	sendErr error
}

func (m *mockMessenger) SendAndSaveMessage(ctx context.Context, peer string, payload sofa.Payload) (*store.ChatMessage, error) {
	m.mu.Lock()
	m.sent = append(m.sent, payload)
	m.mu.Unlock()

	raw, err := sofa.Encode(payload)
	if err != nil {
		return nil, err
	}
	state := store.StateSent
	if m.sendErr != nil {
		state = store.StateFailed
	}
	msg := &store.ChatMessage{
		ID:          uuid.NewString(),
		SentByLocal: true,
		Visible:     true,
		Timestamp:   time.Now().UnixMilli(),
		Payload:     raw,
		SendState:   state,
	}
	if _, err := m.conv.Append(peer, msg); err != nil {
		return nil, err
	}
	return msg, m.sendErr
}

func (m *mockMessenger) ResendMessage(ctx context.Context, id string) (*store.ChatMessage, error) {
	m.mu.Lock()
	m.resent = append(m.resent, id)
	m.mu.Unlock()

	msg, err := m.conv.GetMessage(id)
	if err != nil || msg == nil {
		return msg, err
	}
	msg.SendState = store.StateSent
	return msg, m.conv.UpdateMessage(msg)
}

func testStores(t *testing.T) (*store.Conversations, *store.PendingTxs, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	return store.NewConversations(db, b), store.NewPendingTxs(db, b), b
}

func testMachine(t *testing.T, rpc Ethereum) (*Machine, *mockMessenger, *store.Conversations, *store.PendingTxs, *wallet.Latch) {
	t.Helper()
	conv, pending, _ := testStores(t)
	messenger := &mockMessenger{conv: conv}
	latch := wallet.NewLatch()
	logger, _ := zap.NewDevelopment()
	m := NewMachine(rpc, latch, messenger, conv, pending, logger)
	m.wait = func(ctx context.Context, d time.Duration) bool { return true }
	return m, messenger, conv, pending, latch
}

func outgoingTask() *Task {
	task := NewTask(ActionOutgoing)
	task.Peer = peerAddr
	task.To = destAddr
	task.Value = oneEther()
	return task
}

func TestTaskValidityMatrix(t *testing.T) {
	cases := []struct {
		name    string
		task    *Task
		wantErr bool
	}{
		{"outgoing complete", outgoingTask(), false},
		{"outgoing without peer", &Task{Action: ActionOutgoing, To: destAddr, Value: oneEther()}, true},
		{"outgoing without value", &Task{Action: ActionOutgoing, Peer: peerAddr, To: destAddr}, true},
		{"outgoing zero value", &Task{Action: ActionOutgoing, Peer: peerAddr, To: destAddr, Value: big.NewInt(0)}, true},
		{"resend complete", &Task{Action: ActionOutgoingResend, Peer: peerAddr, To: destAddr, Value: oneEther(), MessageID: "m-1"}, false},
		{"resend without message", &Task{Action: ActionOutgoingResend, Peer: peerAddr, To: destAddr, Value: oneEther()}, true},
		{"external complete", &Task{Action: ActionOutgoingExternal, To: destAddr, Value: oneEther()}, false},
		{"external without destination", &Task{Action: ActionOutgoingExternal, Value: oneEther()}, true},
		{"incoming complete", &Task{Action: ActionIncoming, MessageID: "m-1", TxHash: "0xabc"}, false},
		{"incoming without hash", &Task{Action: ActionIncoming, MessageID: "m-1"}, true},
		{"unknown action", &Task{Action: "SIDEWAYS"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.task.Validate()
			if tc.wantErr && !errors.Is(err, ErrInvalidTask) {
				t.Errorf("Validate() error = %v, want ErrInvalidTask", err)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestExternalTaskIgnoresPeer(t *testing.T) {
	task := &Task{Action: ActionOutgoingExternal, Peer: peerAddr, To: destAddr, Value: oneEther()}
	if err := task.Validate(); err != nil {
		t.Fatal(err)
	}
	if task.Peer != "" {
		t.Errorf("peer = %q, want cleared for external transfers", task.Peer)
	}
}

func TestRunOutgoingFullFlow(t *testing.T) {
	node := richNode()
	m, messenger, conv, pending, latch := testMachine(t, node)
	latch.Resolve(&signingWallet{addr: selfAddr})

	task := outgoingTask()
	if err := m.Run(t.Context(), task); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if task.State() != StateObserving {
		t.Errorf("state = %s, want OBSERVING", task.State())
	}
	if task.TxHash != "0xsubmitted" {
		t.Errorf("tx hash = %q", task.TxHash)
	}

	if len(messenger.sent) != 1 {
		t.Fatalf("announcements = %d, want 1", len(messenger.sent))
	}
	pay := messenger.sent[0].(sofa.Payment)
	if pay.Status != sofa.TxUnconfirmed || pay.TxHash != "0xsubmitted" {
		t.Errorf("announcement = %+v", pay)
	}
	if pay.FromAddress != selfAddr || pay.ToAddress != destAddr {
		t.Errorf("announcement addresses = %s -> %s", pay.FromAddress, pay.ToAddress)
	}
	if pay.Value != oneEther().String() {
		t.Errorf("announcement value = %q", pay.Value)
	}

	row, err := pending.Get(task.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.TxHash != "0xsubmitted" || row.Status != store.TxUnconfirmed {
		t.Errorf("pending row = %+v", row)
	}

	c, err := conv.LoadByAddress(peerAddr)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Messages) != 1 {
		t.Errorf("conversation has %d messages", len(c.Messages))
	}
	if c.Messages[0].AttachedTxID != "0xsubmitted" {
		t.Errorf("attached tx = %q, want the submitted hash", c.Messages[0].AttachedTxID)
	}
}

func TestRunInsufficientFunds(t *testing.T) {
	node := richNode()
	node.balance = big.NewInt(1000)
	m, messenger, _, pending, latch := testMachine(t, node)
	latch.Resolve(&signingWallet{addr: selfAddr})

	task := outgoingTask()
	err := m.Run(t.Context(), task)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Run() error = %v, want ErrInsufficientFunds", err)
	}
	if task.State() != StateDraft {
		t.Errorf("state = %s, want DRAFT", task.State())
	}
	if node.submits != 0 {
		t.Error("submitted despite insufficient funds")
	}
	if len(messenger.sent) != 0 {
		t.Error("announced despite insufficient funds")
	}
	rows, _ := pending.List()
	if len(rows) != 0 {
		t.Error("pending row registered despite insufficient funds")
	}
}

func TestRunSignerUnavailable(t *testing.T) {
	m, _, _, _, _ := testMachine(t, richNode())

	err := m.Run(t.Context(), outgoingTask())
	if !errors.Is(err, ErrSignerUnavailable) {
		t.Errorf("Run() error = %v, want ErrSignerUnavailable", err)
	}
}

func TestRunSignFailure(t *testing.T) {
	m, _, _, _, latch := testMachine(t, richNode())
	latch.Resolve(&signingWallet{addr: selfAddr, signErr: errors.New("locked")})

	err := m.Run(t.Context(), outgoingTask())
	if !errors.Is(err, ErrSignerUnavailable) {
		t.Errorf("Run() error = %v, want ErrSignerUnavailable", err)
	}
}

func TestSubmitRetriesTransient(t *testing.T) {
	node := richNode()
	node.submitErrs = []error{eth.ErrTransient, eth.ErrTransient, nil}
	m, _, _, _, latch := testMachine(t, node)
	latch.Resolve(&signingWallet{addr: selfAddr})

	task := outgoingTask()
	if err := m.Run(t.Context(), task); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if node.submits != 3 {
		t.Errorf("submits = %d, want 3", node.submits)
	}
	if task.State() != StateObserving {
		t.Errorf("state = %s", task.State())
	}
}

func TestSubmitRejectedIsTerminal(t *testing.T) {
	node := richNode()
	node.submitErrs = []error{errors.New("nonce too low")}
	m, messenger, _, _, latch := testMachine(t, node)
	latch.Resolve(&signingWallet{addr: selfAddr})

	task := outgoingTask()
	err := m.Run(t.Context(), task)
	if !errors.Is(err, ErrSubmitRejected) {
		t.Fatalf("Run() error = %v, want ErrSubmitRejected", err)
	}
	if task.State() != StateFailed {
		t.Errorf("state = %s, want FAILED", task.State())
	}
	if node.submits != 1 {
		t.Errorf("submits = %d, want no retry on permanent rejection", node.submits)
	}
	if len(messenger.sent) != 0 {
		t.Error("announced a rejected transaction")
	}
}

func TestSubmitExhaustsTransientRetries(t *testing.T) {
	node := richNode()
	node.submitErrs = []error{eth.ErrTransient, eth.ErrTransient, eth.ErrTransient}
	m, _, _, _, latch := testMachine(t, node)
	latch.Resolve(&signingWallet{addr: selfAddr})

	err := m.Run(t.Context(), outgoingTask())
	if !errors.Is(err, ErrSubmitRejected) {
		t.Fatalf("Run() error = %v, want ErrSubmitRejected", err)
	}
	if node.submits != maxSubmitAttempts {
		t.Errorf("submits = %d, want %d", node.submits, maxSubmitAttempts)
	}
}

func TestRunOutgoingExternalSkipsAnnouncement(t *testing.T) {
	m, messenger, _, pending, latch := testMachine(t, richNode())
	latch.Resolve(&signingWallet{addr: selfAddr})

	task := &Task{Action: ActionOutgoingExternal, To: destAddr, Value: oneEther()}
	if err := m.Run(t.Context(), task); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(messenger.sent) != 0 {
		t.Error("external transfer announced to a peer")
	}
	if task.MessageID == "" {
		t.Fatal("external transfer has no tracking id")
	}
	row, err := pending.Get(task.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		t.Error("external transfer not registered for observation")
	}
}

func TestCancelOnlyBeforeSigning(t *testing.T) {
	m, _, _, _, _ := testMachine(t, richNode())

	task := outgoingTask()
	if err := m.Cancel(task); err != nil {
		t.Fatalf("Cancel() draft error = %v", err)
	}
	if task.State() != StateRejected {
		t.Errorf("state = %s, want REJECTED", task.State())
	}

	signed := outgoingTask()
	signed.state = StateSigned
	if err := m.Cancel(signed); err == nil {
		t.Error("expected error cancelling a signed task")
	}
	if signed.State() != StateSigned {
		t.Errorf("state = %s, want unchanged", signed.State())
	}
}

func appendRequest(t *testing.T, conv *store.Conversations, req sofa.PaymentRequest) *store.ChatMessage {
	t.Helper()
	raw, err := sofa.Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	msg := &store.ChatMessage{
		ID:          uuid.NewString(),
		TransportID: uuid.NewString(),
		Visible:     true,
		Timestamp:   time.Now().UnixMilli(),
		Payload:     raw,
		SendState:   store.StateReceived,
	}
	if _, err := conv.Append(peerAddr, msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestAcceptRequestFullFlow(t *testing.T) {
	m, messenger, conv, pending, latch := testMachine(t, richNode())
	latch.Resolve(&signingWallet{addr: selfAddr})

	reqMsg := appendRequest(t, conv, sofa.PaymentRequest{
		DestinationAddress: destAddr,
		Value:              oneEther().String(),
	})

	task, err := m.AcceptRequest(t.Context(), reqMsg.ID)
	if err != nil {
		t.Fatalf("AcceptRequest() error = %v", err)
	}
	if task.Action != ActionOutgoing || task.Peer != peerAddr || task.To != destAddr {
		t.Errorf("task = %+v", task)
	}
	if task.Value.Cmp(oneEther()) != 0 {
		t.Errorf("value = %s", task.Value)
	}

	// The stored request flipped to accepted in place.
	stored, err := conv.GetMessage(reqMsg.ID)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := sofa.Decode(stored.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got := payload.(sofa.PaymentRequest).State; got != sofa.RequestAccepted {
		t.Errorf("request state = %v, want accepted", got)
	}

	if err := m.Run(t.Context(), task); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if task.State() != StateObserving {
		t.Errorf("state = %s", task.State())
	}
	if len(messenger.sent) != 1 {
		t.Errorf("announcements = %d", len(messenger.sent))
	}
	if row, _ := pending.Get(task.MessageID); row == nil {
		t.Error("no pending row after accept flow")
	}

	// The request stays in the conversation next to the payment.
	c, err := conv.LoadByAddress(peerAddr)
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Messages) != 2 {
		t.Errorf("conversation has %d messages, want request plus payment", len(c.Messages))
	}

	if _, err := m.AcceptRequest(t.Context(), reqMsg.ID); err == nil {
		t.Error("expected error accepting an already-decided request")
	}
}

func TestRejectRequest(t *testing.T) {
	m, _, conv, _, _ := testMachine(t, richNode())

	reqMsg := appendRequest(t, conv, sofa.PaymentRequest{DestinationAddress: destAddr, Value: "1000"})
	if err := m.RejectRequest(t.Context(), reqMsg.ID); err != nil {
		t.Fatalf("RejectRequest() error = %v", err)
	}

	stored, _ := conv.GetMessage(reqMsg.ID)
	payload, err := sofa.Decode(stored.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got := payload.(sofa.PaymentRequest).State; got != sofa.RequestRejected {
		t.Errorf("request state = %v, want rejected", got)
	}

	if _, err := m.AcceptRequest(t.Context(), reqMsg.ID); err == nil {
		t.Error("expected error accepting a rejected request")
	}
}

func TestHandleInboundPayment(t *testing.T) {
	m, _, conv, pending, _ := testMachine(t, richNode())

	pay := sofa.Payment{Value: "1000", FromAddress: peerAddr, ToAddress: selfAddr, TxHash: "0xincoming", Status: sofa.TxUnconfirmed}
	raw, _ := sofa.Encode(pay)
	msg := &store.ChatMessage{
		ID: uuid.NewString(), TransportID: "t-1", Visible: true,
		Timestamp: time.Now().UnixMilli(), Payload: raw, SendState: store.StateReceived,
	}
	if _, err := conv.Append(peerAddr, msg); err != nil {
		t.Fatal(err)
	}

	if err := m.HandleInboundPayment(t.Context(), peerAddr, msg, pay); err != nil {
		t.Fatalf("HandleInboundPayment() error = %v", err)
	}
	row, err := pending.Get(msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.TxHash != "0xincoming" {
		t.Errorf("pending row = %+v", row)
	}

	// Already-settled payments are not re-observed.
	done := sofa.Payment{Value: "1000", TxHash: "0xdone", Status: sofa.TxConfirmed}
	other := &store.ChatMessage{ID: uuid.NewString(), TransportID: "t-2", Visible: true, Payload: raw, SendState: store.StateReceived}
	if err := m.HandleInboundPayment(t.Context(), peerAddr, other, done); err != nil {
		t.Fatal(err)
	}
	if row, _ := pending.Get(other.ID); row != nil {
		t.Error("settled payment registered for observation")
	}
}

func TestResendReusesAnnouncementRow(t *testing.T) {
	m, messenger, conv, pending, latch := testMachine(t, richNode())
	latch.Resolve(&signingWallet{addr: selfAddr})

	// A previous attempt left a failed announcement in the conversation.
	failedPay := sofa.Payment{Value: oneEther().String(), FromAddress: selfAddr, ToAddress: destAddr, TxHash: "0xold", Status: sofa.TxUnconfirmed}
	raw, _ := sofa.Encode(failedPay)
	failed := &store.ChatMessage{
		ID: uuid.NewString(), SentByLocal: true, Visible: true,
		Timestamp: time.Now().UnixMilli(), Payload: raw, SendState: store.StateFailed,
	}
	if _, err := conv.Append(peerAddr, failed); err != nil {
		t.Fatal(err)
	}

	task := &Task{
		Action:    ActionOutgoingResend,
		Peer:      peerAddr,
		To:        destAddr,
		Value:     oneEther(),
		MessageID: failed.ID,
	}
	if err := m.Run(t.Context(), task); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(messenger.resent) != 1 || messenger.resent[0] != failed.ID {
		t.Errorf("resent = %v, want the original row", messenger.resent)
	}
	if len(messenger.sent) != 0 {
		t.Error("resend created a new announcement")
	}

	stored, _ := conv.GetMessage(failed.ID)
	payload, err := sofa.Decode(stored.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if got := payload.(sofa.Payment).TxHash; got != "0xsubmitted" {
		t.Errorf("stored hash = %q, want the fresh submission", got)
	}
	if stored.TransportID == "" {
		t.Error("rewritten announcement has no delivery identity of its own")
	}

	if row, _ := pending.Get(failed.ID); row == nil || row.TxHash != "0xsubmitted" {
		t.Errorf("pending row = %+v", row)
	}
}
