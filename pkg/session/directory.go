package session

import (
	"sync"

	"github.com/emirpasic/gods/maps/hashmap"
)

// Directory is the set of live connections. Key value: ID -> *Connection.
type Directory struct {
	mu    sync.RWMutex
	conns *hashmap.Map
}

func ProvideDirectory() *Directory {
	return &Directory{
		conns: hashmap.New(),
	}
}

func (d *Directory) Add(c *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns.Put(c.ID(), c)
}

func (d *Directory) Remove(id ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns.Remove(id)
}

func (d *Directory) Get(id ID) (*Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	value, ok := d.conns.Get(id)
	if !ok {
		return nil, false
	}
	return value.(*Connection), true
}

// All returns a snapshot. Connections may terminate right after.
func (d *Directory) All() []*Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	values := d.conns.Values()
	conns := make([]*Connection, 0, len(values))
	for _, value := range values {
		conns = append(conns, value.(*Connection))
	}
	return conns
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conns.Size()
}
