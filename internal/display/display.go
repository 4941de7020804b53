// Package display holds the Display entity that presents a data source. A
// display keeps the latest data snapshot it was handed and caches the
// data range it derives from it.
package display

import (
	"fmt"
	"math"
	"sync"

	"imagecore/internal/cache"
	"imagecore/internal/entity"
	"imagecore/internal/event"
	"imagecore/internal/logging"
	"imagecore/pkg/xdata"
)

// DataRangeKey is the storage cache key holding [min, max] of the data.
const DataRangeKey = "data_range"

var schema = entity.NewSchema("display").
	Property(entity.PropertySpec{Name: "display_type", Default: ""}).
	Property(entity.PropertySpec{Name: "display_calibrated_values", Default: true}).
	Property(entity.PropertySpec{Name: "display_limits", CopyOnRead: true}).
	Property(entity.PropertySpec{Name: "title", Default: ""})

// Display presents one buffered data source.
type Display struct {
	*entity.Object

	mu               sync.Mutex
	latest           xdata.DataAndCalibration
	hasLatest        bool
	updates          int
	storageCache     cache.Store
	logger           logging.Logger
	aboutToBeRemoved bool
	closed           bool

	// Changed fires after each UpdateData.
	Changed event.Event[struct{}]
}

// New returns an empty display.
func New() *Display {
	return &Display{Object: entity.New(schema), logger: logging.Noop()}
}

// Factory builds displays from their stored discriminator.
func Factory(typ string) entity.Persistent {
	if typ == "display" || typ == "" {
		return New()
	}
	return nil
}

// DisplayType returns the preferred presentation ("image", "line_plot" or
// empty for automatic).
func (d *Display) DisplayType() string {
	s, _ := d.Get("display_type").(string)
	return s
}

// SetDisplayType replaces the preferred presentation.
func (d *Display) SetDisplayType(t string) { d.MustSet("display_type", t) }

// DisplayLimits returns the explicit [low, high] limits, if set.
func (d *Display) DisplayLimits() ([2]float64, bool) {
	raw, ok := d.Get("display_limits").([]any)
	if !ok || len(raw) != 2 {
		return [2]float64{}, false
	}
	lo, ok1 := raw[0].(float64)
	hi, ok2 := raw[1].(float64)
	return [2]float64{lo, hi}, ok1 && ok2
}

// SetDisplayLimits stores explicit limits.
func (d *Display) SetDisplayLimits(lo, hi float64) {
	d.MustSet("display_limits", []any{lo, hi})
}

// SetStorageCache attaches the cache used for derived values.
func (d *Display) SetStorageCache(c cache.Store) {
	d.mu.Lock()
	d.storageCache = c
	d.mu.Unlock()
}

// SetLogger replaces the logger that reports cache failures.
func (d *Display) SetLogger(l logging.Logger) {
	d.mu.Lock()
	d.logger = logging.OrNoop(l)
	d.mu.Unlock()
}

// UpdateData records the latest snapshot of the presented source and
// refreshes the cached data range.
func (d *Display) UpdateData(snapshot xdata.DataAndCalibration) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.latest = snapshot
	d.hasLatest = true
	d.updates++
	c, logger := d.storageCache, d.logger
	d.mu.Unlock()

	if c != nil && snapshot.HasData() {
		if lo, hi, ok := dataRange(snapshot); ok {
			if err := c.Set(d.UUID(), DataRangeKey, []any{lo, hi}); err != nil {
				logger.Warn("cache data range failed", "display", d.UUID(), "error", err)
			}
		}
	}
	d.Changed.Fire(struct{}{})
}

func dataRange(snapshot xdata.DataAndCalibration) (float64, float64, bool) {
	a, err := snapshot.Data()
	if err != nil || a == nil || a.Size() == 0 {
		return 0, 0, false
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < a.Size(); i++ {
		v, err := a.Float64At(i)
		if err != nil {
			return 0, 0, false
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi, true
}

// DataRange returns the cached [min, max] of the presented data.
func (d *Display) DataRange() ([2]float64, bool) {
	d.mu.Lock()
	c := d.storageCache
	d.mu.Unlock()
	if c == nil {
		return [2]float64{}, false
	}
	v, ok, err := c.Get(d.UUID(), DataRangeKey)
	if err != nil || !ok {
		return [2]float64{}, false
	}
	pair, _ := v.([]any)
	if len(pair) != 2 {
		return [2]float64{}, false
	}
	lo, _ := pair[0].(float64)
	hi, _ := pair[1].(float64)
	return [2]float64{lo, hi}, true
}

// Snapshot returns the latest snapshot handed to UpdateData.
func (d *Display) Snapshot() (xdata.DataAndCalibration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latest, d.hasLatest
}

// UpdateCount returns how many times UpdateData ran.
func (d *Display) UpdateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updates
}

// AboutToBeRemoved marks the display for removal; it must precede Close.
func (d *Display) AboutToBeRemoved() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.aboutToBeRemoved {
		panic(fmt.Sprintf("display %s: AboutToBeRemoved called twice", d.UUID()))
	}
	d.aboutToBeRemoved = true
}

// Close releases the display.
func (d *Display) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.aboutToBeRemoved {
		panic(fmt.Sprintf("display %s: Close before AboutToBeRemoved", d.UUID()))
	}
	if d.closed {
		panic(fmt.Sprintf("display %s: closed twice", d.UUID()))
	}
	d.closed = true
	d.latest = xdata.DataAndCalibration{}
	d.hasLatest = false
}

// Clone returns a copy with a fresh identity and no snapshot.
func (d *Display) Clone() (*Display, error) {
	out, err := entity.Clone(d, Factory)
	if out == nil {
		return nil, err
	}
	return out.(*Display), err
}
