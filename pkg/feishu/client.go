// Package feishu pushes scenario outcomes into a Feishu (Lark) bitable.
package feishu

import (
	"context"
	"os"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
)

const (
	EnvAppID     = "FEISHU_APP_ID"
	EnvAppSecret = "FEISHU_APP_SECRET"
	EnvBaseURL   = "FEISHU_BASE_URL"

	defaultBaseURL = "https://open.feishu.cn"
)

// recordAPI is the subset of the bitable record service used here.
type recordAPI interface {
	Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord) (*larkbitable.CreateAppTableRecordResp, error)
}

type sdkRecordAPI struct {
	client *lark.Client
}

func (a sdkRecordAPI) Create(ctx context.Context, appToken, tableID string, record *larkbitable.AppTableRecord) (*larkbitable.CreateAppTableRecordResp, error) {
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		AppTableRecord(record).
		Build()
	return a.client.Bitable.V1.AppTableRecord.Create(ctx, req)
}

// Client wraps the Lark SDK client. The SDK fetches and refreshes the tenant
// access token from the app credentials on its own.
type Client struct {
	baseURL string
	records recordAPI
}

// NewClient builds a Client for a self-built app. An empty baseURL selects
// the public Feishu endpoint.
func NewClient(appID, appSecret, baseURL string) (*Client, error) {
	appID = strings.TrimSpace(appID)
	appSecret = strings.TrimSpace(appSecret)
	if appID == "" || appSecret == "" {
		return nil, errors.New("feishu: app id and app secret are required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	opts := []lark.ClientOptionFunc{
		lark.WithLogLevel(larkcore.LogLevelError),
	}
	if baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	return &Client{
		baseURL: baseURL,
		records: sdkRecordAPI{client: lark.NewClient(appID, appSecret, opts...)},
	}, nil
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Required variables:
//   - FEISHU_APP_ID
//   - FEISHU_APP_SECRET
//
// Optional variables:
//   - FEISHU_BASE_URL (defaults to https://open.feishu.cn)
func NewClientFromEnv() (*Client, error) {
	appID := os.Getenv(EnvAppID)
	appSecret := os.Getenv(EnvAppSecret)
	if strings.TrimSpace(appID) == "" || strings.TrimSpace(appSecret) == "" {
		return nil, errors.Errorf("feishu: %s and %s must be set in environment", EnvAppID, EnvAppSecret)
	}
	return NewClient(appID, appSecret, os.Getenv(EnvBaseURL))
}

// BaseURL returns the open platform endpoint in use.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateRecord inserts one row and returns its record id.
func (c *Client) CreateRecord(ctx context.Context, ref BitableRef, fields map[string]any) (recordID string, err error) {
	defer func() {
		if err != nil {
			err = errors.Wrap(err, "create bitable record failed")
		}
	}()

	if c == nil || c.records == nil {
		return "", errors.New("feishu: client is nil")
	}
	if len(fields) == 0 {
		return "", errors.New("feishu: no fields provided for creation")
	}
	if ref.AppToken == "" || ref.TableID == "" {
		return "", errors.New("feishu: bitable app token and table id are required")
	}

	record := larkbitable.NewAppTableRecordBuilder().
		Fields(fields).
		Build()
	resp, err := c.records.Create(ctx, ref.AppToken, ref.TableID, record)
	if err != nil {
		return "", errors.Wrap(err, "feishu: create record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when creating record")
	}
	if err := ensureSDKSuccess("create record", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return "", err
	}
	if resp.Data == nil || resp.Data.Record == nil {
		return "", errors.New("feishu: create record response missing record")
	}
	id := strings.TrimSpace(larkcore.StringValue(resp.Data.Record.RecordId))
	if id == "" {
		return "", errors.New("feishu: create record response missing record id")
	}
	return id, nil
}

func ensureSDKSuccess(action string, ok bool, code int, msg, logID string) error {
	if ok {
		return nil
	}
	if strings.TrimSpace(logID) == "" {
		return errors.Errorf("feishu: %s failed code=%d msg=%s", action, code, msg)
	}
	return errors.Errorf("feishu: %s failed code=%d msg=%s log_id=%s", action, code, msg, logID)
}
