package bootstrap

import (
	"github.com/eric-buaa-cn/smyte-db/internal/config"
	"github.com/eric-buaa-cn/smyte-db/internal/metrics"
	"github.com/eric-buaa-cn/smyte-db/internal/storage"
	"github.com/eric-buaa-cn/smyte-db/internal/streaming"
	"github.com/eric-buaa-cn/smyte-db/internal/taskqueue"
	smerrors "github.com/eric-buaa-cn/smyte-db/pkg/errors"
	"github.com/eric-buaa-cn/smyte-db/pkg/log"
)

// Context is what factories and handlers may borrow from the process.
// Nothing obtained through it may be closed by the borrower.
type Context interface {
	Options() config.Config
	Engine() *storage.Engine
	// Family returns a column family or a fatal ErrFamilyNotFound.
	Family(name string) (*storage.Family, error)
	ColumnFamilies() storage.FamilyMap
	ColumnFamilyGroups() storage.GroupMap
	// StorageManager is nil when none is registered or before it is built.
	StorageManager() storage.StorageManager
	// TaskQueue returns the named queue or ErrTaskQueueNotFound.
	TaskQueue(name string) (*taskqueue.Queue, error)
	// Producer returns the producer of topic, or nil.
	Producer(topic string) streaming.Producer
	StreamBackend() streaming.Backend
	MetricsRegistry() *metrics.Registry
	Logger() log.Logger
	OneOffApproved() bool
}

var _ Context = (*Bootstrap)(nil)

// Options implements Context.
func (b *Bootstrap) Options() config.Config { return b.opts }

// Engine implements Context.
func (b *Bootstrap) Engine() *storage.Engine { return b.engine }

// Family implements Context.
func (b *Bootstrap) Family(name string) (*storage.Family, error) { return b.engine.Family(name) }

// ColumnFamilies implements Context.
func (b *Bootstrap) ColumnFamilies() storage.FamilyMap { return b.engine.Families() }

// ColumnFamilyGroups implements Context.
func (b *Bootstrap) ColumnFamilyGroups() storage.GroupMap { return b.engine.Groups() }

// StorageManager implements Context.
func (b *Bootstrap) StorageManager() storage.StorageManager { return b.storageMgr }

// TaskQueue implements Context.
func (b *Bootstrap) TaskQueue(name string) (*taskqueue.Queue, error) {
	if b.tasks == nil {
		return nil, smerrors.WrapFatal(smerrors.ErrTaskQueueNotFound, "bootstrap", "TaskQueue", name)
	}
	return b.tasks.Queue(name)
}

// Producer implements Context.
func (b *Bootstrap) Producer(topic string) streaming.Producer {
	if b.streams == nil {
		return nil
	}
	return b.streams.Producer(topic)
}

// StreamBackend implements Context.
func (b *Bootstrap) StreamBackend() streaming.Backend { return b.backend }

// MetricsRegistry implements Context.
func (b *Bootstrap) MetricsRegistry() *metrics.Registry { return b.registry }

// Logger implements Context.
func (b *Bootstrap) Logger() log.Logger { return b.logger }

// OneOffApproved implements Context.
func (b *Bootstrap) OneOffApproved() bool { return b.engine.OneOffApproved() }
