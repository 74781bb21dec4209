package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/arena"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/heal"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/kernel"
	"github.com/Dicklesworthstone/glibc-rust-sub004/pkg/membrane"
)

var (
	AttrFamily  = attribute.Key("family")
	AttrAction  = attribute.Key("action")
	AttrProfile = attribute.Key("profile")
	AttrHeal    = attribute.Key("heal")
	AttrResult  = attribute.Key("result")
	AttrMonitor = attribute.Key("monitor")
	AttrCause   = attribute.Key("cause")
)

var (
	actions    = []kernel.Action{kernel.Allow, kernel.Repair, kernel.Deny}
	profiles   = []kernel.Profile{kernel.Fast, kernel.Full}
	healKinds  = heal.UpgradeToSafeVariant + 1
	freeKinds  = []arena.FreeResult{arena.Freed, arena.FreedWithCanaryCorruption, arena.DoubleFree, arena.ForeignFree, arena.InvalidPointer}
	background = context.Background()
)

// instruments holds every synchronous instrument plus precomputed
// attribute sets, so the per-call path does not allocate attributes.
type instruments struct {
	decisions         metric.Int64Counter
	heals             metric.Int64Counter
	frees             metric.Int64Counter
	decideLatency     metric.Float64Histogram
	operationDuration metric.Float64Histogram
	active            metric.Int64UpDownCounter
	errors            metric.Int64Counter

	decisionSets [kernel.NumFamilies][3][2]metric.AddOption
	familySets   [kernel.NumFamilies]metric.RecordOption
	healSets     []metric.AddOption
	freeSets     []metric.AddOption
}

func (p *Provider) initInstruments() error {
	var err error
	m := p.meter

	if p.decisions, err = m.Int64Counter("membrane.decisions",
		metric.WithDescription("Kernel decisions by family, action and validation profile"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	if p.heals, err = m.Int64Counter("membrane.heals",
		metric.WithDescription("Applied repairs by healing kind"),
		metric.WithUnit("{repair}"),
	); err != nil {
		return err
	}
	if p.frees, err = m.Int64Counter("membrane.frees",
		metric.WithDescription("Free requests by classification"),
		metric.WithUnit("{free}"),
	); err != nil {
		return err
	}
	if p.decideLatency, err = m.Float64Histogram("membrane.decide.duration",
		metric.WithDescription("Kernel decide latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(25e-9, 50e-9, 100e-9, 250e-9, 500e-9, 1e-6, 5e-6, 25e-6, 100e-6),
	); err != nil {
		return err
	}
	if p.operationDuration, err = m.Float64Histogram("membrane.operation.duration",
		metric.WithDescription("Tracked operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return err
	}
	if p.active, err = m.Int64UpDownCounter("membrane.operations.active",
		metric.WithDescription("Number of currently active operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return err
	}
	if p.errors, err = m.Int64Counter("membrane.operation.errors",
		metric.WithDescription("Tracked operations that returned an error"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}

	for f := 0; f < kernel.NumFamilies; f++ {
		fam := AttrFamily.String(kernel.Family(f).String())
		p.familySets[f] = metric.WithAttributeSet(attribute.NewSet(fam))
		for _, a := range actions {
			for _, pr := range profiles {
				p.decisionSets[f][a][pr] = metric.WithAttributeSet(attribute.NewSet(
					fam, AttrAction.String(a.String()), AttrProfile.String(pr.String()),
				))
			}
		}
	}
	p.healSets = make([]metric.AddOption, healKinds)
	for k := heal.None; k < healKinds; k++ {
		p.healSets[k] = metric.WithAttributeSet(attribute.NewSet(AttrHeal.String(k.String())))
	}
	p.freeSets = make([]metric.AddOption, len(freeKinds))
	for _, r := range freeKinds {
		p.freeSets[r] = metric.WithAttributeSet(attribute.NewSet(AttrResult.String(r.String())))
	}
	return nil
}

// RecordDecision counts one kernel decision and its latency.
func (p *Provider) RecordDecision(f kernel.Family, d kernel.Decision, elapsed time.Duration) {
	if int(f) >= kernel.NumFamilies || int(d.Action) >= len(actions) || int(d.Profile) >= len(profiles) {
		return
	}
	p.decisions.Add(background, 1, p.decisionSets[f][d.Action][d.Profile])
	p.decideLatency.Record(background, elapsed.Seconds(), p.familySets[f])
}

// RecordFree counts one free classification.
func (p *Provider) RecordFree(r arena.FreeResult) {
	if int(r) < len(p.freeSets) {
		p.frees.Add(background, 1, p.freeSets[r])
	}
}

// RecordHeal counts one applied repair. Empty actions are ignored.
func (p *Provider) RecordHeal(a heal.Action) {
	if a.IsHeal() && a.Kind < healKinds {
		p.heals.Add(background, 1, p.healSets[a.Kind])
	}
}

var _ membrane.Recorder = (*Provider)(nil)

// Snapshotter is the read side of a membrane.
type Snapshotter interface {
	Snapshot() membrane.Snapshot
}

// ObserveMembrane registers gauges read from src on every collection.
// Unregister the returned registration before closing src.
func (p *Provider) ObserveMembrane(src Snapshotter) (metric.Registration, error) {
	m := p.meter
	liveObjects, err := m.Int64ObservableGauge("membrane.arena.live_objects",
		metric.WithDescription("Live allocations"), metric.WithUnit("{allocation}"))
	if err != nil {
		return nil, err
	}
	liveBytes, err := m.Int64ObservableGauge("membrane.arena.live_bytes",
		metric.WithDescription("Bytes requested by live allocations"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	quarantine, err := m.Int64ObservableGauge("membrane.arena.quarantine_bytes",
		metric.WithDescription("Bytes held in quarantine"), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	corruptions, err := m.Int64ObservableCounter("membrane.arena.corruptions",
		metric.WithDescription("Canary or header corruptions detected"), metric.WithUnit("{corruption}"))
	if err != nil {
		return nil, err
	}
	cacheHits, err := m.Int64ObservableCounter("membrane.cache.hits",
		metric.WithDescription("Validation cache hits returned to the shared pool"), metric.WithUnit("{hit}"))
	if err != nil {
		return nil, err
	}
	inflight, err := m.Int64ObservableGauge("membrane.kernel.in_flight",
		metric.WithDescription("Decide calls in progress"), metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	regime, err := m.Int64ObservableGauge("membrane.monitor.regime",
		metric.WithDescription("Monitor regime: 0 calibrating, 1 stable, 2 warning, 3 alarm"))
	if err != nil {
		return nil, err
	}
	statistic, err := m.Float64ObservableGauge("membrane.monitor.statistic",
		metric.WithDescription("Monitor headline statistic"))
	if err != nil {
		return nil, err
	}
	cause, err := m.Float64ObservableGauge("membrane.cause.intensity",
		metric.WithDescription("Sparse latent cause intensity"))
	if err != nil {
		return nil, err
	}

	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Snapshot()
		o.ObserveInt64(liveObjects, int64(s.Arena.LiveObjects))
		o.ObserveInt64(liveBytes, int64(s.Arena.LiveBytes))
		o.ObserveInt64(quarantine, int64(s.Arena.QuarantineBytes))
		o.ObserveInt64(corruptions, int64(s.Arena.Corruptions))
		o.ObserveInt64(cacheHits, int64(s.Cache.Hits))
		o.ObserveInt64(inflight, s.Kernel.InFlight)
		for _, sum := range s.Monitors {
			attrs := metric.WithAttributes(AttrMonitor.String(sum.Name))
			o.ObserveInt64(regime, int64(sum.Regime), attrs)
			o.ObserveFloat64(statistic, sum.Statistic, attrs)
		}
		for name, v := range s.Causes {
			o.ObserveFloat64(cause, v, metric.WithAttributes(AttrCause.String(name)))
		}
		return nil
	}, liveObjects, liveBytes, quarantine, corruptions, cacheHits, inflight, regime, statistic, cause)
}
