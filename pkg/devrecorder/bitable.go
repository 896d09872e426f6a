package devrecorder

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
)

var hostAllowList = []string{"feishu.cn", "feishuapp.com", "larksuite.com", "larkoffice.com"}

// BitableRef identifies a bitable table.
type BitableRef struct {
	RawURL   string
	AppToken string
	TableID  string
}

// ParseBitableURL extracts the app token and table id from a link such as
// https://example.feishu.cn/base/<app_token>?table=<table_id>.
func ParseBitableURL(raw string) (ref BitableRef, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "parse bitable url failed")
		}
	}()

	ref = BitableRef{RawURL: strings.TrimSpace(raw)}
	if ref.RawURL == "" {
		return ref, errors.New("empty url")
	}
	u, err := url.Parse(ref.RawURL)
	if err != nil {
		return ref, errors.Wrap(err, "invalid url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ref, errors.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !isAllowedFeishuHost(u.Host) {
		return ref, errors.Errorf("host %q is not recognized as Feishu", u.Host)
	}
	segments := strings.FieldsFunc(strings.Trim(u.Path, "/"), func(r rune) bool { return r == '/' })
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "base" {
			ref.AppToken = segments[i+1]
			break
		}
	}
	if ref.AppToken == "" {
		return ref, errors.New("missing app token in url")
	}
	q := u.Query()
	for _, key := range []string{"table", "tableId", "table_id"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			ref.TableID = v
			break
		}
	}
	if ref.TableID == "" {
		return ref, errors.New("missing table id in url query")
	}
	return ref, nil
}

func isAllowedFeishuHost(host string) bool {
	lower := strings.ToLower(strings.TrimSpace(host))
	if lower == "" {
		return false
	}
	for _, allowed := range hostAllowList {
		if strings.HasSuffix(lower, allowed) {
			return true
		}
	}
	return false
}

type bitableRecordAPI interface {
	Search(ctx context.Context, appToken, tableID string, pageSize int, body *larkbitable.SearchAppTableRecordReqBody) (*larkbitable.SearchAppTableRecordResp, error)
	Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, appToken, tableID, recordID string, record *larkbitable.AppTableRecord) (*larkbitable.UpdateAppTableRecordResp, error)
}

type larkAppTableRecordService interface {
	Search(ctx context.Context, req *larkbitable.SearchAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.SearchAppTableRecordResp, error)
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, req *larkbitable.UpdateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
}

type sdkBitableRecordAPI struct {
	svc larkAppTableRecordService
}

func (a sdkBitableRecordAPI) Search(ctx context.Context, appToken, tableID string, pageSize int, body *larkbitable.SearchAppTableRecordReqBody) (*larkbitable.SearchAppTableRecordResp, error) {
	builder := larkbitable.NewSearchAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		PageSize(pageSize)
	if body != nil {
		builder.Body(body)
	}
	return a.svc.Search(ctx, builder.Build())
}

func (a sdkBitableRecordAPI) Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord) (*larkbitable.CreateAppTableRecordResp, error) {
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		AppTableRecord(record).
		Build()
	return a.svc.Create(ctx, req)
}

func (a sdkBitableRecordAPI) Update(ctx context.Context, appToken, tableID, recordID string, record *larkbitable.AppTableRecord) (*larkbitable.UpdateAppTableRecordResp, error) {
	req := larkbitable.NewUpdateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		RecordId(recordID).
		AppTableRecord(record).
		Build()
	return a.svc.Update(ctx, req)
}

func ensureSDKSuccess(action string, ok bool, code int, msg, logID string) error {
	if ok {
		return nil
	}
	if strings.TrimSpace(logID) == "" {
		return fmt.Errorf("feishu: %s failed code=%d msg=%s", action, code, msg)
	}
	return fmt.Errorf("feishu: %s failed code=%d msg=%s log_id=%s", action, code, msg, logID)
}
