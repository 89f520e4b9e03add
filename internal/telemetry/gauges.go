package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// 通话相关的 span / 资源属性
const (
	AttrApplication = attribute.Key("ari.application")
	AttrCallID      = attribute.Key("call.id")
	AttrCallState   = attribute.Key("call.state")
)

// CallGaugeSource 观测型指标的数据来源
type CallGaugeSource struct {
	ActiveCalls func() int
	LinkUp      func() bool
}

// RegisterCallGauges 在全局 MeterProvider 上注册进行中通话数与链路状态两个 gauge。
// 返回的 Registration 在关闭时 Unregister。
func RegisterCallGauges(src CallGaugeSource) (metric.Registration, error) {
	meter := otel.Meter(InstrumentationName)

	active, err := meter.Int64ObservableGauge("callbridge.calls.active",
		metric.WithDescription("Calls with a running worker"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	linkUp, err := meter.Int64ObservableGauge("callbridge.ari.link.up",
		metric.WithDescription("1 while the ARI event stream is connected"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if src.ActiveCalls != nil {
			o.ObserveInt64(active, int64(src.ActiveCalls()))
		}
		if src.LinkUp != nil {
			var up int64
			if src.LinkUp() {
				up = 1
			}
			o.ObserveInt64(linkUp, up)
		}
		return nil
	}, active, linkUp)
}
