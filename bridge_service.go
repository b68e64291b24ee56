package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wailsapp/wails/v3/pkg/application"
)

// bridgePort is where replica units connect. Fixed by deployment: the
// hardware firmware has it baked in, so it is deliberately not a setting.
const bridgePort = 1202

// sendTimeout bounds any single write to a replica socket so a wedged unit
// cannot stall the broadcast cycle.
const sendTimeout = time.Second

// replicaConn is one live hardware connection.
type replicaConn struct {
	id   string
	addr string
	conn net.Conn
}

// SlotState is the per-slot summary pushed to the shell for rendering.
type SlotState struct {
	Number    int    `json:"number"`
	Connected bool   `json:"connected"`
	Address   string `json:"address"`
	Mode      string `json:"mode"`
}

// BridgeService accepts replica connections, fans telemetry out to them and
// routes their keypad input back to the simulator. It is the seam between
// the slot registry, the view-model projection, the keypad codec and the
// network.
type BridgeService struct {
	app      *application.App
	registry *SlotRegistry
	store    *TelemetryStore
	sender   CommandSender
	cmdLog   *CommandLogService

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]*replicaConn

	// sendMu serializes fingerprint checks and writes so a connect-time
	// seed and a tick broadcast cannot double-send to the same slot.
	sendMu sync.Mutex
}

func NewBridgeService(store *TelemetryStore, sender CommandSender, cmdLog *CommandLogService) *BridgeService {
	return &BridgeService{
		registry: NewSlotRegistry(),
		store:    store,
		sender:   sender,
		cmdLog:   cmdLog,
		conns:    make(map[string]*replicaConn),
	}
}

func (b *BridgeService) setApp(app *application.App) {
	b.app = app
}

// Start binds the replica listener on all interfaces.
func (b *BridgeService) Start() error {
	return b.startOn(fmt.Sprintf(":%d", bridgePort))
}

func (b *BridgeService) startOn(addr string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.listener != nil {
		return fmt.Errorf("bridge already started")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	b.listener = listener

	go b.acceptLoop(listener)

	slog.Info("bridge listening", "addr", listener.Addr().String())
	return nil
}

// Stop closes the listener and every live replica connection. In-flight
// sends are allowed to fail silently.
func (b *BridgeService) Stop() {
	b.mu.Lock()
	listener := b.listener
	b.listener = nil
	conns := make([]*replicaConn, 0, len(b.conns))
	for _, rc := range b.conns {
		conns = append(conns, rc)
	}
	b.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, rc := range conns {
		rc.conn.Close()
	}
}

// Addr reports the listener address, "" when not started.
func (b *BridgeService) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

func (b *BridgeService) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Listener closed on shutdown.
			return
		}
		rc := &replicaConn{
			id:   uuid.NewString(),
			addr: conn.RemoteAddr().String(),
			conn: conn,
		}
		b.onConnect(rc)
		go b.readLoop(rc)
	}
}

func (b *BridgeService) onConnect(rc *replicaConn) {
	b.mu.Lock()
	b.conns[rc.id] = rc
	b.mu.Unlock()

	number := b.registry.Assign(rc.id)
	slog.Info("replica connected", "addr", rc.addr, "slot", number)

	if b.app != nil {
		b.app.Event.Emit("client-connected", rc.addr)
	}
	b.emitSlotState()

	// Seed the new unit with the current picture right away instead of
	// leaving it dark until the next change. Best effort.
	if b.store.CM() != nil || b.store.LM() != nil {
		if err := b.sendToSlot(number, rc); err != nil {
			slog.Warn("initial snapshot send failed", "addr", rc.addr, "error", err)
		}
	}
}

func (b *BridgeService) onDisconnect(rc *replicaConn) {
	b.mu.Lock()
	_, known := b.conns[rc.id]
	delete(b.conns, rc.id)
	b.mu.Unlock()

	if !known {
		return
	}

	number := b.registry.Release(rc.id)
	slog.Info("replica disconnected", "addr", rc.addr, "slot", number)

	if b.app != nil {
		b.app.Event.Emit("client-disconnected", rc.addr)
	}
	b.emitSlotState()
}

func (b *BridgeService) readLoop(rc *replicaConn) {
	defer func() {
		rc.conn.Close()
		b.onDisconnect(rc)
	}()

	buf := make([]byte, 64)
	for {
		n, err := rc.conn.Read(buf)
		if n > 0 {
			msg := string(buf[:n])
			go b.handleKeystroke(rc, msg)
		}
		if err != nil {
			return
		}
	}
}

// handleKeystroke decodes one keypad message and forwards it to the
// simulator, tagged with the sending slot's current vehicle. Runs on its own
// goroutine so a slow command send never delays telemetry fan-out.
func (b *BridgeService) handleKeystroke(rc *replicaConn, msg string) {
	cmd, ok := decodeKey(msg)
	if !ok {
		slog.Debug("unrecognized keypad input", "addr", rc.addr, "msg", msg)
		return
	}

	number := b.registry.SlotOf(rc.id)
	if number == 0 {
		// Evicted connection: its keystrokes no longer resolve anywhere.
		slog.Debug("keystroke from unslotted replica", "addr", rc.addr)
		return
	}

	toCM := b.registry.Resolve(number, b.store)
	if err := b.sender.Send(cmd, toCM); err != nil {
		slog.Error("command send failed", "command", cmd.String(), "error", err)
		return
	}

	if b.cmdLog != nil {
		b.cmdLog.Record(number, cmd, toCM)
	}
}

// Tick folds the latest poll result into the store and re-broadcasts to
// every assigned slot. Driven by the telemetry service at the poll rate.
func (b *BridgeService) Tick(cm, lm *ModuleTelemetry) {
	b.store.Update(cm, lm)
	b.Broadcast()
}

// Broadcast pushes each assigned slot's view model to its connection,
// skipping slots whose serialized view model matches what they last got.
// One failing connection never blocks the other slot.
func (b *BridgeService) Broadcast() {
	for _, number := range b.registry.Assigned() {
		connID := b.registry.ConnOf(number)
		if connID == "" {
			continue
		}
		b.mu.Lock()
		rc := b.conns[connID]
		b.mu.Unlock()
		if rc == nil {
			continue
		}

		if err := b.sendToSlot(number, rc); err != nil {
			slog.Warn("broadcast failed, dropping replica", "addr", rc.addr, "slot", number, "error", err)
			rc.conn.Close()
		}
	}
}

// sendToSlot serializes the slot's view model and writes it when it differs
// from the slot's last broadcast.
func (b *BridgeService) sendToSlot(number int, rc *replicaConn) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	toCM := b.registry.Resolve(number, b.store)
	vm := buildViewModel(b.store.Module(toCM), toCM)

	data, err := json.Marshal(vm)
	if err != nil {
		return fmt.Errorf("marshal view model: %w", err)
	}
	payload := string(data)

	if payload == b.registry.LastSent(number) {
		return nil
	}

	rc.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	if _, err := rc.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to replica: %w", err)
	}

	b.registry.SetLastSent(number, payload)
	return nil
}

// SetSlotMode flips a slot's display switch from the shell and re-broadcasts
// so the change shows up without waiting for the next telemetry delta.
func (b *BridgeService) SetSlotMode(number int, mode string) error {
	switch DisplayMode(mode) {
	case ModeAuto, ModeForceCM, ModeForceLM:
	default:
		return fmt.Errorf("unknown display mode %q", mode)
	}
	if number < 1 || number > maxSlots {
		return fmt.Errorf("no such slot %d", number)
	}

	b.registry.SetMode(number, DisplayMode(mode))
	slog.Info("slot mode changed", "slot", number, "mode", mode)

	b.emitSlotState()
	b.Broadcast()
	return nil
}

// SlotStates reports the slot table for the shell.
func (b *BridgeService) SlotStates() []SlotState {
	states := make([]SlotState, 0, maxSlots)
	for number := 1; number <= maxSlots; number++ {
		connID := b.registry.ConnOf(number)
		st := SlotState{
			Number:    number,
			Connected: connID != "",
			Mode:      string(b.registry.ModeOf(number)),
		}
		if connID != "" {
			b.mu.Lock()
			if rc := b.conns[connID]; rc != nil {
				st.Address = rc.addr
			}
			b.mu.Unlock()
		}
		states = append(states, st)
	}
	return states
}

func (b *BridgeService) emitSlotState() {
	if b.app == nil {
		return
	}
	b.app.Event.Emit("slot-state", b.SlotStates())
}
