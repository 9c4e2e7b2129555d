package catalog

import (
	"sync"

	"github.com/jiangxinmeng1/logstore/pkg/entry"
	"github.com/jiangxinmeng1/logstore/pkg/store"
	"github.com/sirupsen/logrus"
)

type JournalEntry = entry.Entry

// NodeDriver appends catalog journal entries to a logstore-backed store.
type NodeDriver interface {
	AppendEntry(JournalEntry) (uint64, error)
	Close() error
}

type nodeDriver struct {
	sync.RWMutex
	impl store.Store
	seq  uint64
	own  bool
}

func NewNodeDriver(dir, name string, cfg *store.StoreCfg) NodeDriver {
	impl, err := store.NewBaseStore(dir, name, cfg)
	if err != nil {
		panic(err)
	}
	return NewNodeDriverWithStore(impl, true)
}

func NewNodeDriverWithStore(impl store.Store, own bool) NodeDriver {
	driver := new(nodeDriver)
	driver.impl = impl
	driver.own = own
	return driver
}

func (nd *nodeDriver) AppendEntry(e JournalEntry) (uint64, error) {
	nd.Lock()
	id := nd.seq
	info := &entry.Info{
		CommitId: id,
	}
	e.SetInfo(info)
	nd.seq++
	_, err := nd.impl.AppendEntry(entry.GTCustomizedStart, e)
	nd.Unlock()
	logrus.Debugf("catalog journal lsn=%d size=%d", id, e.GetPayloadSize())
	return id, err
}

func (nd *nodeDriver) Close() error {
	if nd.own {
		return nd.impl.Close()
	}
	return nil
}
