package influxdb

import (
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/device-monitor/internal/infrastructure/config"
)

var sampleTime = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func TestSensorPoint(t *testing.T) {
	got := Line(SensorPoint("light_sensor", "Lux", "lux", 127, sampleTime))

	want := "sensor_readings,device_id=light_sensor,field=lux,sensor=Lux value=127 1773511200000000000"
	if got != want {
		t.Errorf("line = %q, want %q", got, want)
	}
}

func TestHeartbeatPoint(t *testing.T) {
	tests := []struct {
		name   string
		roomID string
		online bool
		want   string
	}{
		{"with room", "clockwork", true, "device_heartbeats,device_id=d1,room_id=clockwork health_score=75i,online=true"},
		{"without room", "", false, "device_heartbeats,device_id=d1 health_score=75i,online=false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := Line(HeartbeatPoint("d1", tt.roomID, tt.online, 75, sampleTime))
			if !strings.HasPrefix(line, tt.want+" ") {
				t.Errorf("line = %q, want prefix %q", line, tt.want)
			}
		})
	}
}

func TestLine_StripsLineBreaks(t *testing.T) {
	line := Line(SensorPoint("evil\ndevice", "lux\r\n", "value", 1, sampleTime))
	if strings.ContainsAny(line, "\r\n") {
		t.Errorf("line contains a line break: %q", line)
	}
	if !strings.Contains(line, "device_id=evildevice") {
		t.Errorf("line = %q, want sanitised device_id", line)
	}
}

func TestWriteOptions(t *testing.T) {
	tests := []struct {
		name      string
		batch     int
		flush     int
		wantBatch uint
		wantFlush uint
	}{
		{"configured", 500, 2, 500, 2000},
		{"zero uses defaults", 0, 0, defaultBatchSize, 10000},
		{"negative uses defaults", -5, -1, defaultBatchSize, 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := writeOptions(configFor(tt.batch, tt.flush))
			if got := opts.BatchSize(); got != tt.wantBatch {
				t.Errorf("BatchSize() = %d, want %d", got, tt.wantBatch)
			}
			if got := opts.FlushInterval(); got != tt.wantFlush {
				t.Errorf("FlushInterval() = %d, want %d", got, tt.wantFlush)
			}
		})
	}
}

func configFor(batch, flush int) config.InfluxDBConfig {
	return config.InfluxDBConfig{Enabled: true, BatchSize: batch, FlushInterval: flush}
}

func TestWrites_NotConnected(t *testing.T) {
	c := &Client{}
	// No write API: both calls must return without touching it.
	c.WriteSensorReading("d1", "lux", "lux", 1, time.Now())
	c.WriteHeartbeat("d1", "", true, 100, time.Now())
	c.Flush()

	if points, failures := c.Stats(); points != 0 || failures != 0 {
		t.Errorf("Stats() = %d, %d, want 0, 0", points, failures)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client = %v", err)
	}
}

func TestWatchErrors_CountsAndForwards(t *testing.T) {
	c := &Client{}
	var got []error
	c.SetOnError(func(err error) { got = append(got, err) })

	errs := make(chan error, 2)
	errs <- ErrConnectionFailed
	errs <- ErrNotConnected
	close(errs)
	c.watchErrors(errs)

	if _, failures := c.Stats(); failures != 2 {
		t.Errorf("failures = %d, want 2", failures)
	}
	if len(got) != 2 {
		t.Errorf("callback calls = %d, want 2", len(got))
	}
}
