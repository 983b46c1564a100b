package backend

import "github.com/jangala-dev/cdba-go/x/mathx"

// Telemetry is one parsed reading from a control backend's status
// stream: a named group and the readings
// available for it. A nil field means that reading wasn't present in
// this particular line (the cdb-assist vref group, for instance, never
// carries a milliamp figure).
type Telemetry struct {
	Group string
	MV    *uint32
	MA    *uint32
}

// maxTelemetryMV/maxTelemetryMA bound the readings cdb-assist's and
// qcomlt-debug's character-driven parsers hand off as telemetry: a
// dropped byte on a noisy serial line can make a run of digits overflow
// into a nonsense multi-thousand-volt figure, which mv/ma clamp to a
// plausible board-farm range (12V logic boards, a few amps of rail
// current) before it ever reaches a STATUS_UPDATE record.
const (
	maxTelemetryMV = 30_000
	maxTelemetryMA = 10_000
)

func mv(v uint32) *uint32 { v = mathx.Clamp(v, 0, maxTelemetryMV); return &v }
func ma(v uint32) *uint32 { v = mathx.Clamp(v, 0, maxTelemetryMA); return &v }

// TelemetrySink is implemented by backends that parse a streamed
// telemetry channel (cdb-assist, qcomlt-debug). The session installs a
// sink before calling StatusEnable so every parsed group is forwarded
// onto the wire as a STATUS_UPDATE record.
type TelemetrySink interface {
	SetSink(func(Telemetry))
}
