package replication

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// StateFile is the name of the replication state kept in a database
// directory.
const StateFile = "replication.state"

// State is the position of a database in a replication stream: the last
// sequence applied and the time its data ends at.
type State struct {
	SequenceNumber int64
	Timestamp      time.Time
}

func (s State) String() string {
	return fmt.Sprintf("Sequence: %d, Timestamp: %s", s.SequenceNumber, s.Timestamp.Format(time.RFC3339))
}

var timestampFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05",
}

func parseTimestamp(value string) (time.Time, error) {
	// state.txt escapes colons as in Java properties files
	value = strings.ReplaceAll(value, `\:`, ":")
	value = strings.ReplaceAll(value, `\\`, `\`)

	var err error
	for _, format := range timestampFormats {
		var t time.Time
		if t, err = time.Parse(format, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
}

// ParseState parses a state.txt file:
//
//	#comment line
//	sequenceNumber=12345
//	timestamp=2024-01-15T12\:00\:00Z
//
// Unknown keys and malformed lines are ignored.
func ParseState(r io.Reader) (*State, error) {
	state := &State{}
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case "sequenceNumber":
			seq, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid sequence number: %w", err)
			}
			state.SequenceNumber = seq
		case "timestamp":
			ts, err := parseTimestamp(value)
			if err != nil {
				return nil, err
			}
			state.Timestamp = ts
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading state: %w", err)
	}
	return state, nil
}

// ParseStateFile reads a state file from disk.
func ParseStateFile(filename string) (*State, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseState(f)
}

// WriteState writes state in the state.txt format.
func WriteState(w io.Writer, state *State) error {
	ts := state.Timestamp.UTC().Format("2006-01-02T15:04:05Z")
	_, err := fmt.Fprintf(w, "# osmtiledb replication state\nsequenceNumber=%d\ntimestamp=%s\n",
		state.SequenceNumber, strings.ReplaceAll(ts, ":", `\:`))
	return err
}

// WriteStateFile replaces filename with state. The file is written next to
// its destination and renamed into place.
func WriteStateFile(filename string, state *State) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := WriteState(tmp, state); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}

// SequenceToPath converts a sequence number to the AAA/BBB/CCC directory
// layout of replication servers, e.g. 1234567 -> 001/234/567.
func SequenceToPath(seq int64) string {
	return fmt.Sprintf("%03d/%03d/%03d",
		seq/1000000,
		(seq/1000)%1000,
		seq%1000)
}

// PathToSequence is the inverse of SequenceToPath. A trailing .osc.gz or
// .state.txt is ignored.
func PathToSequence(path string) (int64, error) {
	path = strings.TrimSuffix(path, ".osc.gz")
	path = strings.TrimSuffix(path, ".state.txt")

	parts := strings.Split(path, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid path format: %s", path)
	}

	var seq int64
	for _, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid path component %q: %w", part, err)
		}
		seq = seq*1000 + n
	}
	return seq, nil
}
