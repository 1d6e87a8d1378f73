package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hitoshi/connectbroker/internal/model"
)

// ProfileMapping はプロフィールAPIのURLと、レスポンスJSONから各項目を取り出すパス。
// パスはドット区切りで、配列は数値のインデックスで指定する（例: "emails.0.value"）。
// "{" を含む値はテンプレートとして扱い、{パス} をレスポンスの値で置き換える
// （例: "https://twitter.com/{screen_name}"）。
type ProfileMapping struct {
	URL        string `yaml:"url"`
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Username   string `yaml:"username"`
	Email      string `yaml:"email"`
	ProfileURL string `yaml:"profile_url"`
	ImageURL   string `yaml:"image_url"`
}

// ProfileAdapter はProfileMappingに従ってClientからプロフィールを取得する。
type ProfileAdapter struct {
	mapping ProfileMapping
}

// NewProfileAdapter はProfileAdapterを生成する。URLとIDのパスは必須。
func NewProfileAdapter(providerID string, mapping ProfileMapping) (*ProfileAdapter, error) {
	if mapping.URL == "" {
		return nil, &model.ConfigError{ProviderID: providerID, Field: "profile.url", Reason: "required"}
	}
	if _, err := url.ParseRequestURI(mapping.URL); err != nil {
		return nil, &model.ConfigError{ProviderID: providerID, Field: "profile.url", Reason: err.Error()}
	}
	if mapping.ID == "" {
		return nil, &model.ConfigError{ProviderID: providerID, Field: "profile.id", Reason: "required"}
	}
	return &ProfileAdapter{mapping: mapping}, nil
}

// Test はプロフィールAPIが2xxを返すかで認証情報の有効性を確認する。
func (a *ProfileAdapter) Test(ctx context.Context, api *Client) error {
	return api.Check(ctx, a.mapping.URL)
}

// FetchProfile はプロフィールAPIを呼び出し、マッピングに従ってUserProfileを組み立てる。
func (a *ProfileAdapter) FetchProfile(ctx context.Context, api *Client) (model.UserProfile, error) {
	var doc any
	if err := api.GetJSON(ctx, a.mapping.URL, &doc); err != nil {
		return model.UserProfile{}, err
	}

	profile := model.UserProfile{
		ProviderUserID: extract(doc, a.mapping.ID),
		Name:           extract(doc, a.mapping.Name),
		Username:       extract(doc, a.mapping.Username),
		Email:          extract(doc, a.mapping.Email),
		ProfileURL:     extract(doc, a.mapping.ProfileURL),
		ImageURL:       extract(doc, a.mapping.ImageURL),
	}
	if profile.ProviderUserID == "" {
		return model.UserProfile{}, &model.ProviderAPIError{
			ProviderID: api.providerID,
			Operation:  "profile",
			Err:        fmt.Errorf("field %q not found in response", a.mapping.ID),
		}
	}
	return profile, nil
}

// extract はパスまたはテンプレートの値を返す。
func extract(doc any, expr string) string {
	if expr == "" {
		return ""
	}
	if !strings.Contains(expr, "{") {
		v, _ := Lookup(doc, expr)
		return v
	}

	var b strings.Builder
	rest := expr
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		v, ok := Lookup(doc, rest[start+1:start+end])
		if !ok || v == "" {
			return ""
		}
		b.WriteString(url.PathEscape(v))
		rest = rest[start+end+1:]
	}
	return b.String()
}

// Lookup はドット区切りのパスでJSONの値を取り出し、文字列にして返す。
// オブジェクトや配列、存在しないパスの場合はfalseを返す。
func Lookup(doc any, path string) (string, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return "", false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return "", false
			}
			cur = node[i]
		default:
			return "", false
		}
	}

	switch v := cur.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case nil:
		return "", true
	default:
		return "", false
	}
}
