package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	log "gopkg.in/inconshreveable/log15.v2"
)

// Store persists experiences as one JSON object per line. The format is
// forward compatible: unknown fields are skipped on read, and lines that do
// not parse or do not carry a full state vector are dropped with a counter
// rather than failing the load.
type Store struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	logger log.Logger
}

// OpenStore opens (or creates) the experience store at the given path.
func OpenStore(path string, logger log.Logger) (*Store, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("unable to open experience store %s: %w", path, err)
	}
	return &Store{
		path:   path,
		file:   file,
		writer: bufio.NewWriter(file),
		logger: logger.New("submodule", "store"),
	}, nil
}

// Append writes one experience record and flushes it to disk.
func (s *Store) Append(exp Experience) error {
	data, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("unable to encode experience: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("unable to append to experience store: %w", err)
	}
	return s.writer.Flush()
}

// Load reads every valid record currently in the store, in file order.
func (s *Store) Load() ([]Experience, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to read experience store %s: %w", s.path, err)
	}
	defer file.Close()

	var records []Experience
	skipped := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var exp Experience
		if err := json.Unmarshal(line, &exp); err != nil {
			skipped++
			continue
		}
		if len(exp.StateVector) != stateVectorLen || !exp.ChosenApproach.Valid() {
			skipped++
			continue
		}
		records = append(records, exp)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("error while reading experience store: %w", err)
	}
	if skipped > 0 {
		s.logger.Warn("Skipped invalid experience records", "count", skipped)
	}
	return records, nil
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}
