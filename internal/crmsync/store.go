package crmsync

import (
	"context"
	"strings"
	"sync"
)

// Connection is one tenant's CRM binding. Created when the tenant completes
// the OAuth hand-off (outside this engine); AudienceID and SegmentPrefix stay
// empty until the first settings save, and until then every synchronizing
// event is a no-op.
type Connection struct {
	NetworkID     string `json:"networkId"`
	AccountName   string `json:"name,omitempty"`
	ConnectedBy   string `json:"connectedBy,omitempty"`
	AccessToken   string `json:"accessToken"`
	DataCentre    string `json:"dataCentre,omitempty"`
	APIEndpoint   string `json:"apiEndpoint"`
	AudienceID    string `json:"audienceId,omitempty"`
	SegmentPrefix string `json:"segmentPrefix,omitempty"`
	SendName      bool   `json:"sendName"`
	SendEvents    bool   `json:"sendEvents"`
}

// Configured reports whether the tenant finished setup.
func (c *Connection) Configured() bool {
	return c != nil && strings.TrimSpace(c.AudienceID) != ""
}

// ConnectionStore holds one Connection per tenant. Get returns (nil, nil)
// for an unknown tenant; Delete of an unknown tenant succeeds.
type ConnectionStore interface {
	Get(ctx context.Context, networkID string) (*Connection, error)
	Upsert(ctx context.Context, conn *Connection) error
	Delete(ctx context.Context, networkID string) error
}

// SegmentCache maps (networkID, spaceID) to the CRM tag id. The entry is a
// hint, not a source of truth: the CRM side is authoritative and a cached id
// it no longer recognizes is stale, to be replaced on the next resolve.
// Put has replace-if-exists (last-writer-wins) semantics so concurrent
// duplicate creations race harmlessly.
type SegmentCache interface {
	Get(ctx context.Context, networkID, spaceID string) (string, error)
	Put(ctx context.Context, networkID, spaceID, segmentID string) error
	DeleteAll(ctx context.Context, networkID string) error
}

type InMemoryConnectionStore struct {
	mu    sync.Mutex
	conns map[string]Connection
}

func NewInMemoryConnectionStore() *InMemoryConnectionStore {
	return &InMemoryConnectionStore{conns: map[string]Connection{}}
}

func (s *InMemoryConnectionStore) Get(ctx context.Context, networkID string) (*Connection, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[networkID]
	if !ok {
		return nil, nil
	}
	clone := conn
	return &clone, nil
}

func (s *InMemoryConnectionStore) Upsert(ctx context.Context, conn *Connection) error {
	if s == nil || conn == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(conn.NetworkID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.NetworkID] = *conn
	return nil
}

func (s *InMemoryConnectionStore) Delete(ctx context.Context, networkID string) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, networkID)
	return nil
}

type InMemorySegmentCache struct {
	mu       sync.Mutex
	segments map[string]map[string]string
}

func NewInMemorySegmentCache() *InMemorySegmentCache {
	return &InMemorySegmentCache{segments: map[string]map[string]string{}}
}

func (c *InMemorySegmentCache) Get(ctx context.Context, networkID, spaceID string) (string, error) {
	if c == nil {
		return "", nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segments[networkID][spaceID], nil
}

func (c *InMemorySegmentCache) Put(ctx context.Context, networkID, spaceID, segmentID string) error {
	if c == nil {
		return ErrInvalidInput
	}
	if strings.TrimSpace(networkID) == "" || strings.TrimSpace(spaceID) == "" || strings.TrimSpace(segmentID) == "" {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	spaces, ok := c.segments[networkID]
	if !ok {
		spaces = map[string]string{}
		c.segments[networkID] = spaces
	}
	spaces[spaceID] = segmentID
	return nil
}

func (c *InMemorySegmentCache) DeleteAll(ctx context.Context, networkID string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.segments, networkID)
	return nil
}
