package meter

import "github.com/ineyio/graderouter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ graderouter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) Record(graderouter.Event) {}
