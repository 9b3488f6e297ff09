package gateway

import (
	"sort"
	"sync"

	"github.com/harun/frameloader/pkg/loader"
)

// ClientRegistry manages connected clients
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

// Remove removes a client and reports whether it was registered.
func (r *ClientRegistry) Remove(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.clients[clientID]
	delete(r.clients, clientID)
	return ok
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns all clients, oldest first.
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})
	return clients
}

func (r *ClientRegistry) byKind(kind ClientKind) []*Client {
	var clients []*Client
	for _, client := range r.GetAll() {
		if client.Kind == kind {
			clients = append(clients, client)
		}
	}
	return clients
}

// Agents returns the connected context agents.
func (r *ClientRegistry) Agents() []*Client {
	return r.byKind(KindAgent)
}

// Observers returns the clients subscribed to events.
func (r *ClientRegistry) Observers() []*Client {
	return r.byKind(KindObserver)
}

// Agent returns the newest agent connected for id. A reinjected agent
// shares its session with the occupant it replaces.
func (r *ClientRegistry) Agent(id loader.SessionID) (*Client, bool) {
	var found *Client
	for _, client := range r.Agents() {
		if client.Session == id {
			found = client
		}
	}
	return found, found != nil
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns client information for all connected clients
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	clients := r.GetAll()
	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		infos = append(infos, client.info())
	}
	return infos
}
