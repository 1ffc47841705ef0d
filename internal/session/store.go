package session

import "sync"

// Store holds the connected and disconnected-but-persistent client
// indexes (§3 invariant I4: a client is in exactly one of
// {connected, disconnected, freed} at any time). The reentrancy guard
// of §5/§4.4.5 step 1 lives on Client itself (BeginDispatch/EndDispatch/
// IsDispatching) rather than here: every connection has its own reader
// goroutine serially driving that one client's dispatch, so "who is
// mid-dispatch" is inherently a per-client fact, not a single
// store-wide one — a single shared field here would only ever remember
// the last client to start dispatching, breaking the guard for every
// other connection as soon as two clients were mid-dispatch at once.
type Store struct {
	mu           sync.Mutex
	connected    map[string]*Client
	disconnected map[string]*Client
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		connected:    make(map[string]*Client),
		disconnected: make(map[string]*Client),
	}
}

// Connected looks up a connected client by id.
func (s *Store) Connected(clientID string) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connected[clientID]
	return c, ok
}

// Disconnected looks up a disconnected-but-persistent client by id.
func (s *Store) Disconnected(clientID string) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.disconnected[clientID]
	return c, ok
}

// Reattach moves a disconnected client into the connected index
// (clean_session=0 reconnect), returning it.
func (s *Store) Reattach(clientID string) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.disconnected[clientID]
	if !ok {
		return nil, false
	}
	delete(s.disconnected, clientID)
	s.connected[clientID] = c
	return c, true
}

// InsertConnected adds a freshly allocated client to the connected
// index, removing any stale disconnected entry for the same id.
func (s *Store) InsertConnected(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.disconnected, c.ClientID)
	s.connected[c.ClientID] = c
}

// InsertDisconnected adds a client record directly into the
// disconnected-but-persistent index, used when restoring durable
// subscriptions from a persistence snapshot at startup (the client
// hasn't connected yet this run, so there's nothing to move it from).
func (s *Store) InsertDisconnected(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, connected := s.connected[c.ClientID]; connected {
		return
	}
	s.disconnected[c.ClientID] = c
}

// MoveToDisconnected moves a client from connected to the disconnected
// index (clean_session=0 disconnect, §4.4.5 step 8).
func (s *Store) MoveToDisconnected(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connected, c.ClientID)
	s.disconnected[c.ClientID] = c
}

// Free removes a client from both indexes entirely (clean_session=1
// teardown, or durable-session exhaustion).
func (s *Store) Free(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connected, clientID)
	delete(s.disconnected, clientID)
}

// EachConnected calls fn for every connected client. fn must not
// mutate the store's connected/disconnected indexes (add/remove
// clients); per-Client field mutation is safe, since Client guards its
// own state with its own mutex.
func (s *Store) EachConnected(fn func(*Client)) {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.connected))
	for _, c := range s.connected {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		fn(c)
	}
}

// Counts reports the number of connected and disconnected-persistent
// clients, for the $SYS publisher.
func (s *Store) Counts() (connected, disconnectedPersistent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connected), len(s.disconnected)
}
