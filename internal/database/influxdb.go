package database

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/casplaer/XMLProcessingSystem/internal/model"
)

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// StateHistory writes every applied module state to InfluxDB.
type StateHistory struct {
	client      influxdb2.Client
	writer      pointWriter
	measurement string
	now         func() time.Time
}

func NewStateHistory(url, token, org, bucket, measurement string) *StateHistory {
	client := influxdb2.NewClient(url, token)
	return &StateHistory{
		client:      client,
		writer:      client.WriteAPIBlocking(org, bucket),
		measurement: measurement,
		now:         time.Now,
	}
}

func (h *StateHistory) Close() {
	if h != nil && h.client != nil {
		h.client.Close()
	}
}

func (h *StateHistory) Observe(ctx context.Context, records []model.ModuleRecord) error {
	if len(records) == 0 {
		return nil
	}
	ts := h.now().UTC()
	points := make([]*write.Point, 0, len(records))
	for _, rec := range records {
		points = append(points, h.buildPoint(rec, ts))
	}
	return h.writer.WritePoint(ctx, points...)
}

func (h *StateHistory) buildPoint(rec model.ModuleRecord, ts time.Time) *write.Point {
	tags := map[string]string{
		"packageId":        rec.PackageID,
		"moduleCategoryId": rec.ModuleCategoryID,
		"indexWithinRole":  model.FormatIndex(rec.IndexWithinRole),
	}
	fields := map[string]interface{}{
		"state":    rec.ModuleState,
		"recordId": rec.ID.String(),
	}
	return write.NewPoint(h.measurement, tags, fields, ts)
}
