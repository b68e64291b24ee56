package main

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// CommandSender delivers one decoded keypad command to the simulator.
// Delivery is best effort: the bridge logs a failure and moves on, it never
// surfaces one to the replica that pressed the key.
type CommandSender interface {
	Send(cmd Command, toCM bool) error
	Name() string
}

// keyPayload is the datagram the simulator's input listener expects.
type keyPayload struct {
	Module string `json:"module"`
	Key    string `json:"key"`
}

var commandKeys = map[Command]string{
	CmdVerb:       "v",
	CmdNoun:       "n",
	CmdPlus:       "+",
	CmdMinus:      "-",
	CmdKeyRelease: "k",
	CmdProceed:    "p",
	CmdClear:      "c",
	CmdEnter:      "e",
	CmdReset:      "r",
	CmdDigit0:     "0",
	CmdDigit1:     "1",
	CmdDigit2:     "2",
	CmdDigit3:     "3",
	CmdDigit4:     "4",
	CmdDigit5:     "5",
	CmdDigit6:     "6",
	CmdDigit7:     "7",
	CmdDigit8:     "8",
	CmdDigit9:     "9",
}

// UDPCommandSender transmits keypad commands as single JSON datagrams to the
// simulator's input port.
type UDPCommandSender struct {
	host string
	port int

	mu   sync.Mutex
	conn *net.UDPConn
}

func NewUDPCommandSender(host string, port int) *UDPCommandSender {
	return &UDPCommandSender{host: host, port: port}
}

func (u *UDPCommandSender) Name() string {
	return "UDP"
}

func (u *UDPCommandSender) Send(cmd Command, toCM bool) error {
	key, ok := commandKeys[cmd]
	if !ok {
		return fmt.Errorf("no key mapping for command %v", cmd)
	}

	module := "lm"
	if toCM {
		module = "cm"
	}

	data, err := json.Marshal(keyPayload{Module: module, Key: key})
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	conn, err := u.dial()
	if err != nil {
		return err
	}

	if _, err := conn.Write(data); err != nil {
		u.reset()
		return fmt.Errorf("send command: %w", err)
	}
	return nil
}

// Close drops the cached socket. Safe to call at any time; the next Send
// redials.
func (u *UDPCommandSender) Close() {
	u.reset()
}

func (u *UDPCommandSender) dial() (*net.UDPConn, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn != nil {
		return u.conn, nil
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", u.host, u.port))
	if err != nil {
		return nil, fmt.Errorf("resolve addr: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	u.conn = conn
	return conn, nil
}

func (u *UDPCommandSender) reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
}
