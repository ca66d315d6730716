// Package identity manages the stable identity of this agent instance.
// Every agent has a persistent ULID generated on first start and stored in
// the data directory. The ID is sent in the register frame so the server can
// associate print jobs and acknowledgments with a specific agent across
// reconnects and restarts.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const agentIDFile = "agent_id"

// ID is a ULID string that uniquely identifies a relayprint agent.
// It is stable across restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Agent holds the persistent identity of this process.
type Agent struct {
	id      ID
	dataDir string
}

// New returns an Agent whose ID is loaded from dataDir/agent_id.
// If the file does not exist a new ULID is generated and written.
// If idOverride is "auto" or empty the file-based ID is used.
func New(dataDir string, idOverride string) (*Agent, error) {
	if dataDir == "" {
		return nil, errors.New("identity: dataDir must not be empty")
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("identity: create data dir: %w", err)
	}

	// Explicit override takes precedence (useful in tests / container envs).
	if idOverride != "" && idOverride != "auto" {
		if err := validateULID(idOverride); err != nil {
			return nil, fmt.Errorf("identity: invalid id override %q: %w", idOverride, err)
		}
		return &Agent{id: ID(idOverride), dataDir: dataDir}, nil
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Agent{id: id, dataDir: dataDir}, nil
}

// ID returns the agent's stable ULID string.
func (a *Agent) ID() ID { return a.id }

// DataDir returns the root data directory for this agent.
func (a *Agent) DataDir() string { return a.dataDir }

// loadOrGenerate reads the agent ID from disk, creating a new one if absent.
func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, agentIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := validateULID(id); err != nil {
			return "", fmt.Errorf("identity: persisted id %q is invalid: %w", id, err)
		}
		return ID(id), nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("identity: read id file: %w", err)
	}

	id, err := generateULID()
	if err != nil {
		return "", fmt.Errorf("identity: generate id: %w", err)
	}

	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("identity: persist id: %w", err)
	}

	return id, nil
}

// monoEntropy is a package-level monotone entropy source shared across all
// generateULID calls. A single shared source keeps ULIDs lexicographically
// ordered even when generated within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// generateULID creates a new time-ordered ULID using the shared monotone
// entropy source. The mutex ensures monotonicity across concurrent calls.
func generateULID() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, monoEntropy)
	if err != nil {
		return "", err
	}
	return ID(id.String()), nil
}

// validateULID returns an error if s is not a well-formed ULID string.
func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewID generates a fresh ULID. Used by other packages that need locally
// unique identifiers (trace ids for nacked events without a job id).
func NewID() (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("identity.MustNewID: %v", err))
	}
	return id
}
