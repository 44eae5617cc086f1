package tsdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nerrad567/device-monitor/internal/infrastructure/influxdb"
)

// ErrQueryFailed wraps error responses from the query API.
var ErrQueryFailed = errors.New("tsdb: query failed")

const (
	// maxQueryPoints mirrors the Prometheus per-series resolution limit.
	maxQueryPoints = 11000

	maxQueryResponse = 10 << 20
)

// promResponse is the envelope of the Prometheus-compatible query API.
type promResponse struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	ErrorType string          `json:"errorType"`
	Error     string          `json:"error"`
}

// SensorHistory returns the recorded values of one device sensor between
// start and end, sampled every step. The result is the "data" member of a
// Prometheus range-query response ({"resultType":"matrix","result":[...]}).
func (c *Client) SensorHistory(ctx context.Context, deviceID, sensor string, start, end time.Time, step time.Duration) (json.RawMessage, error) {
	if c == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if deviceID == "" || sensor == "" {
		return nil, fmt.Errorf("%w: device id and sensor are required", ErrQueryFailed)
	}
	if err := validateRange(start, end, step); err != nil {
		return nil, err
	}

	params := url.Values{
		"query": {sensorSelector(deviceID, sensor)},
		"start": {unixSeconds(start)},
		"end":   {unixSeconds(end)},
		"step":  {strconv.FormatFloat(step.Seconds(), 'f', -1, 64)},
	}
	return c.query(ctx, "/api/v1/query_range?"+params.Encode())
}

func validateRange(start, end time.Time, step time.Duration) error {
	switch {
	case step <= 0:
		return fmt.Errorf("%w: step must be positive", ErrQueryFailed)
	case end.Before(start):
		return fmt.Errorf("%w: end before start", ErrQueryFailed)
	case end.Sub(start)/step > maxQueryPoints:
		return fmt.Errorf("%w: %v at step %v exceeds %d points", ErrQueryFailed, end.Sub(start), step, maxQueryPoints)
	}
	return nil
}

// sensorSelector names the series VictoriaMetrics derives from a
// sensor_readings line: <measurement>_<field> with the line's tags as labels.
func sensorSelector(deviceID, sensor string) string {
	return fmt.Sprintf(`%s_value{device_id=%s,sensor=%s}`,
		influxdb.MeasurementSensor, strconv.Quote(deviceID), strconv.Quote(sensor))
}

func (c *Client) query(ctx context.Context, pathAndQuery string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+pathAndQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxQueryResponse))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var pr promResponse
	if jsonErr := json.Unmarshal(body, &pr); jsonErr != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: HTTP %d", ErrQueryFailed, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: decoding response: %w", ErrQueryFailed, jsonErr)
	}
	if pr.Status != "success" {
		return nil, fmt.Errorf("%w: HTTP %d %s: %s", ErrQueryFailed, resp.StatusCode, pr.ErrorType, pr.Error)
	}
	return pr.Data, nil
}

func unixSeconds(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixMilli())/1000, 'f', -1, 64)
}
