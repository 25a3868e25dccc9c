package model

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Module states a device can report.
const (
	StateOnline   = "Online"
	StateRun      = "Run"
	StateNotReady = "NotReady"
	StateOffline  = "Offline"
)

var ModuleStates = []string{StateOnline, StateRun, StateNotReady, StateOffline}

// StatusEnvelope is one package worth of device statuses. It is read from an
// XML file by the file parser and travels as JSON to the data processor.
type StatusEnvelope struct {
	XMLName   xml.Name       `xml:"InstrumentStatus" json:"-"`
	PackageID string         `xml:"PackageID" json:"packageId"`
	Devices   []DeviceStatus `xml:"DeviceStatus" json:"devices"`
}

type DeviceStatus struct {
	ModuleCategoryID string `xml:"ModuleCategoryID" json:"moduleCategoryId"`
	IndexWithinRole  *int   `xml:"IndexWithinRole" json:"indexWithinRole"`
	// StatusDocument holds an independent XML document carrying the
	// ModuleState leaf.
	StatusDocument string `xml:"RapidControlStatus" json:"statusDocument"`
}

// UnmarshalXML reads IndexWithinRole as text so that an empty element stays
// absent instead of decoding as 0.
func (d *DeviceStatus) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	var raw struct {
		ModuleCategoryID string  `xml:"ModuleCategoryID"`
		IndexWithinRole  *string `xml:"IndexWithinRole"`
		StatusDocument   string  `xml:"RapidControlStatus"`
	}
	if err := dec.DecodeElement(&raw, &start); err != nil {
		return err
	}
	idx, err := ParseIndex(raw.IndexWithinRole)
	if err != nil {
		return err
	}
	*d = DeviceStatus{
		ModuleCategoryID: raw.ModuleCategoryID,
		IndexWithinRole:  idx,
		StatusDocument:   raw.StatusDocument,
	}
	return nil
}

// ParseIndex converts the text of an IndexWithinRole element. Missing or
// blank text yields nil.
func ParseIndex(text *string) (*int, error) {
	if text == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*text)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, fmt.Errorf("IndexWithinRole %q is not an integer", v)
	}
	return &n, nil
}

func (d DeviceStatus) Identity(packageID string) Identity {
	return Identity{
		PackageID:        packageID,
		ModuleCategoryID: d.ModuleCategoryID,
		IndexWithinRole:  d.IndexWithinRole,
	}
}

// Identity is the natural key of a persisted module.
type Identity struct {
	PackageID        string
	ModuleCategoryID string
	IndexWithinRole  *int
}

func (id Identity) String() string {
	return id.PackageID + "/" + id.ModuleCategoryID + "/" + FormatIndex(id.IndexWithinRole)
}

// FormatIndex renders an optional index, "-" standing for an absent one.
func FormatIndex(idx *int) string {
	if idx == nil {
		return "-"
	}
	return strconv.Itoa(*idx)
}

// IntPtr is a small helper for building optional indexes.
func IntPtr(v int) *int { return &v }

// ModuleRecord is a row of the modules table.
type ModuleRecord struct {
	ID               uuid.UUID
	PackageID        string
	ModuleCategoryID string
	ModuleState      string
	IndexWithinRole  *int
}

func (r ModuleRecord) Identity() Identity {
	return Identity{
		PackageID:        r.PackageID,
		ModuleCategoryID: r.ModuleCategoryID,
		IndexWithinRole:  r.IndexWithinRole,
	}
}

// Stages reported on dead letters.
const (
	StageParse    = "parse"
	StageValidate = "validate"
	StageDecode   = "decode"
	StageStore    = "store"
)

// DeadLetter is the envelope written to the dead-letter topic for input that
// will never be processed successfully.
type DeadLetter struct {
	Error      string    `json:"error"`
	Stage      string    `json:"stage"`
	Source     string    `json:"source"`
	Original   string    `json:"original"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// ArchiveRecord is one applied module state as written to parquet.
type ArchiveRecord struct {
	RecordID         string `parquet:"name=record_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	PackageID        string `parquet:"name=package_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ModuleCategoryID string `parquet:"name=module_category_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	IndexWithinRole  *int32 `parquet:"name=index_within_role, type=INT32, repetitiontype=OPTIONAL"`
	ModuleState      string `parquet:"name=module_state, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	AppliedAt        int64  `parquet:"name=applied_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

func ToMillis(t time.Time) int64 { return t.UTC().UnixNano() / 1e6 }
