package main

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

// CommandLogService keeps a local history of every keypad command forwarded
// to the simulator, mostly for hardware-integration debugging. Recording is
// best effort and never blocks the keystroke path.
type CommandLogService struct {
	db *sql.DB

	mu    sync.Mutex
	count int
}

func NewCommandLogService(db *sql.DB) *CommandLogService {
	s := &CommandLogService{db: db}
	row := db.QueryRow(`SELECT COUNT(*) FROM command_log`)
	row.Scan(&s.count)
	return s
}

// Record stores one forwarded command. Called from keystroke goroutines.
func (s *CommandLogService) Record(slot int, cmd Command, toCM bool) {
	module := "lm"
	if toCM {
		module = "cm"
	}

	_, err := s.db.Exec(
		`INSERT INTO command_log (slot, module, command) VALUES (?, ?, ?)`,
		slot, module, cmd.String(),
	)
	if err != nil {
		slog.Error("failed to record command", "error", err)
		return
	}

	s.mu.Lock()
	s.count++
	s.mu.Unlock()
}

// Count reports how many commands are currently logged.
func (s *CommandLogService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// ExportCSV writes the full log to filePath and purges the table.
func (s *CommandLogService) ExportCSV(filePath string) error {
	rows, err := s.db.Query(`SELECT timestamp, slot, module, command FROM command_log ORDER BY id`)
	if err != nil {
		return fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	w.Write([]string{"timestamp", "slot", "module", "command"})

	for rows.Next() {
		var ts, module, command string
		var slot int
		if err := rows.Scan(&ts, &slot, &module, &command); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		w.Write([]string{ts, strconv.Itoa(slot), module, command})
	}

	// Purge after export
	if _, err := s.db.Exec(`DELETE FROM command_log`); err != nil {
		return fmt.Errorf("purge log: %w", err)
	}

	s.mu.Lock()
	s.count = 0
	s.mu.Unlock()

	return nil
}
