package devrecorder

import (
	"context"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/DevicePool/internal/config"
)

// DeviceFields lists column names for the device inventory table.
type DeviceFields struct {
	Serial         string
	Kind           string
	Status         string
	ProductType    string
	ProductVariant string
	BatteryLevel   string
	LastSeenAt     string
	HostID         string
}

// DefaultDeviceFields matches the column names of the shared device table.
var DefaultDeviceFields = DeviceFields{
	Serial:         "DeviceSerial",
	Kind:           "Kind",
	Status:         "Status",
	ProductType:    "ProductType",
	ProductVariant: "ProductVariant",
	BatteryLevel:   "BatteryLevel",
	LastSeenAt:     "LastSeenAt",
	HostID:         "ProviderUUID",
}

// FeishuRecorder upserts device rows into a Feishu bitable keyed by serial.
type FeishuRecorder struct {
	api    bitableRecordAPI
	ref    BitableRef
	fields DeviceFields
	hostID string

	mu        sync.Mutex
	recordIDs map[string]string
}

// NewFeishuRecorder returns nil when tableURL is empty, allowing graceful opt-out.
func NewFeishuRecorder(tableURL, appID, appSecret, baseURL string) (*FeishuRecorder, error) {
	tableURL = strings.TrimSpace(tableURL)
	if tableURL == "" {
		return nil, nil
	}
	if strings.TrimSpace(appID) == "" || strings.TrimSpace(appSecret) == "" {
		return nil, errors.Errorf("feishu: %s and %s must be set", config.EnvFeishuAppID, config.EnvFeishuAppSecret)
	}
	ref, err := ParseBitableURL(tableURL)
	if err != nil {
		return nil, err
	}
	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" && baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(appID, appSecret, opts...)
	rec := newFeishuRecorder(sdkBitableRecordAPI{svc: client.Bitable.V1.AppTableRecord}, ref)
	rec.hostID = HostID()
	return rec, nil
}

func newFeishuRecorder(api bitableRecordAPI, ref BitableRef) *FeishuRecorder {
	return &FeishuRecorder{
		api:       api,
		ref:       ref,
		fields:    DefaultDeviceFields,
		recordIDs: make(map[string]string),
	}
}

// NewFromSettings builds a recorder from settings; falls back to Noop when not configured.
func NewFromSettings(s config.Settings) (DeviceRecorder, error) {
	rec, err := NewFeishuRecorder(s.DeviceBitableURL, s.FeishuAppID, s.FeishuAppSecret, s.FeishuBaseURL)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return NoopRecorder{}, nil
	}
	return rec, nil
}

// UpsertDevice creates the row for row.Serial on first sight and updates it
// afterwards. Record ids are cached per serial.
func (r *FeishuRecorder) UpsertDevice(ctx context.Context, row DeviceRow) error {
	if r == nil || r.api == nil {
		return nil
	}
	serial := strings.TrimSpace(row.Serial)
	if serial == "" {
		return errors.New("feishu: device serial is empty")
	}
	payload := r.buildPayload(row)

	recordID, err := r.lookupRecordID(ctx, serial)
	if err != nil {
		return err
	}
	record := larkbitable.NewAppTableRecordBuilder().
		Fields(payload).
		Build()
	if recordID != "" {
		resp, err := r.api.Update(ctx, r.ref.AppToken, r.ref.TableID, recordID, record)
		if err != nil {
			return errors.Wrap(err, "feishu: update device record request failed")
		}
		if resp == nil || resp.ApiResp == nil {
			return errors.New("feishu: empty response when updating device record")
		}
		return ensureSDKSuccess("update device record", resp.Success(), resp.Code, resp.Msg, resp.RequestId())
	}

	resp, err := r.api.Create(ctx, r.ref.AppToken, r.ref.TableID, record)
	if err != nil {
		return errors.Wrap(err, "feishu: create device record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return errors.New("feishu: empty response when creating device record")
	}
	if err := ensureSDKSuccess("create device record", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return err
	}
	if resp.Data == nil || resp.Data.Record == nil {
		return errors.New("feishu: create device record response missing record")
	}
	if id := strings.TrimSpace(larkcore.StringValue(resp.Data.Record.RecordId)); id != "" {
		r.mu.Lock()
		r.recordIDs[serial] = id
		r.mu.Unlock()
	}
	log.Debug().Str("serial", serial).Msg("feishu device record created")
	return nil
}

func (r *FeishuRecorder) lookupRecordID(ctx context.Context, serial string) (string, error) {
	r.mu.Lock()
	id, ok := r.recordIDs[serial]
	r.mu.Unlock()
	if ok {
		return id, nil
	}

	body := &larkbitable.SearchAppTableRecordReqBody{
		Filter: &larkbitable.FilterInfo{
			Conjunction: larkcore.StringPtr("and"),
			Conditions: []*larkbitable.Condition{{
				FieldName: larkcore.StringPtr(r.fields.Serial),
				Operator:  larkcore.StringPtr("is"),
				Value:     []string{serial},
			}},
		},
	}
	resp, err := r.api.Search(ctx, r.ref.AppToken, r.ref.TableID, 1, body)
	if err != nil {
		return "", errors.Wrap(err, "feishu: search device record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when searching device record")
	}
	if err := ensureSDKSuccess("search device record", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return "", err
	}
	if resp.Data == nil || len(resp.Data.Items) == 0 || resp.Data.Items[0] == nil {
		return "", nil
	}
	id = strings.TrimSpace(larkcore.StringValue(resp.Data.Items[0].RecordId))
	if id != "" {
		r.mu.Lock()
		r.recordIDs[serial] = id
		r.mu.Unlock()
	}
	return id, nil
}

func (r *FeishuRecorder) buildPayload(row DeviceRow) map[string]any {
	payload := map[string]any{
		r.fields.Serial: strings.TrimSpace(row.Serial),
	}
	addOptionalField(payload, r.fields.Kind, string(row.Kind))
	addOptionalField(payload, r.fields.Status, string(row.Status))
	addOptionalField(payload, r.fields.ProductType, row.ProductType)
	addOptionalField(payload, r.fields.ProductVariant, row.ProductVariant)
	addOptionalField(payload, r.fields.HostID, r.hostID)
	if row.BatteryLevel != nil && r.fields.BatteryLevel != "" {
		payload[r.fields.BatteryLevel] = *row.BatteryLevel
	}
	if !row.LastSeenAt.IsZero() && r.fields.LastSeenAt != "" {
		payload[r.fields.LastSeenAt] = row.LastSeenAt.UTC().UnixMilli()
	}
	return payload
}

func addOptionalField(payload map[string]any, column, value string) {
	if strings.TrimSpace(column) == "" {
		return
	}
	if value = strings.TrimSpace(value); value == "" {
		return
	}
	payload[column] = value
}
