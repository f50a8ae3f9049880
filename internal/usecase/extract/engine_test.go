package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/pt-crawler/internal/entity"
)

const userDetailsPage = `<html><body>
<table>
  <tr><td class="rowhead">用户名</td><td class="rowfollow"><a class="User_Name" href="userdetails.php?id=42">alice</a></td></tr>
  <tr><td class="rowhead">魔力值</td><td class="rowfollow bonus">魔力值：1,234.5</td></tr>
  <tr><td class="rowhead">上传量</td><td class="rowfollow up">1.5 GB</td></tr>
  <tr><td class="rowhead">加入日期</td><td class="rowfollow joined">2023-01-02 03:04:05</td></tr>
</table>
<ul class="tags"><li>free</li><li> </li><li>hot</li></ul>
<div id="notice"><b>Hello</b> world</div>
</body></html>`

func TestExtractBonusScenario(t *testing.T) {
	engine, err := NewEngine([]entity.ExtractRule{{
		Name:      "bonus",
		Selector:  "td.rowfollow",
		Kind:      entity.KindText,
		Transform: []entity.TransformSpec{{Type: "regexExtractNumber", Pattern: `魔力值[：:]\s*([\d,.]+)`}},
	}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	page := `<table><tr><td class="rowfollow">魔力值：1,234.5</td></tr></table>`
	res, err := engine.ExtractHTML(page)
	require.NoError(t, err)
	require.Empty(t, res.Errors)

	v, ok := res.Data.Get("bonus")
	require.True(t, ok)
	require.Equal(t, 1234.5, v)
}

func TestExtractFirstMatchSkipsTransformFailures(t *testing.T) {
	engine, err := NewEngine([]entity.ExtractRule{{
		Name:      "bonus",
		Selector:  "td.rowfollow",
		Transform: []entity.TransformSpec{{Type: "regexExtractNumber", Pattern: `魔力值[：:]\s*([\d,.]+)`}},
	}}, zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := engine.ExtractHTML(userDetailsPage)
	require.NoError(t, err)

	v, ok := res.Data.Get("bonus")
	require.True(t, ok)
	require.Equal(t, 1234.5, v)
	// The username cell precedes the bonus cell and does not match the pattern.
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "transform failed for rule bonus")
}

func TestExtractMissingSelectorIsSoft(t *testing.T) {
	engine, err := NewEngine([]entity.ExtractRule{
		{Name: "username", Selector: "a.User_Name"},
		{Name: "invites", Selector: "td.invites"},
		{Name: "uploaded", Selector: "td.up", Transform: []entity.TransformSpec{{Type: "unitConvert"}}},
	}, nil)
	require.NoError(t, err)

	res, err := engine.ExtractHTML(userDetailsPage)
	require.NoError(t, err)

	require.Equal(t, []string{"no data found for rule: invites"}, res.Errors)
	require.Equal(t, []string{"username", "uploaded"}, res.Data.Keys())

	name, _ := res.Data.Get("username")
	require.Equal(t, "alice", name)
	up, _ := res.Data.Get("uploaded")
	require.Equal(t, 1.5*(1<<30), up)
}

func TestExtractKinds(t *testing.T) {
	engine, err := NewEngine([]entity.ExtractRule{
		{Name: "profile", Selector: "a.User_Name", Kind: entity.KindAttribute, Attribute: "href"},
		{Name: "notice", Selector: "#notice", Kind: entity.KindHTML},
		{Name: "tags", Selector: "ul.tags li", Multiple: true},
		{Name: "joined", Selector: "td.joined", Transform: []entity.TransformSpec{{Type: "dateParse", Timezone: "Asia/Shanghai"}}},
		{Name: "missingAttr", Selector: "a.User_Name", Kind: entity.KindAttribute, Attribute: "title"},
	}, nil)
	require.NoError(t, err)

	res, err := engine.ExtractHTML(userDetailsPage)
	require.NoError(t, err)
	require.Empty(t, res.Errors)

	profile, _ := res.Data.Get("profile")
	require.Equal(t, "userdetails.php?id=42", profile)

	notice, _ := res.Data.Get("notice")
	require.Equal(t, "<b>Hello</b> world", notice)

	tags, _ := res.Data.Get("tags")
	require.Equal(t, []any{"free", "hot"}, tags)

	joined, _ := res.Data.Get("joined")
	require.Equal(t, "2023-01-01T19:04:05Z", joined)

	require.False(t, res.Data.Has("missingAttr"))
}

func TestValidatePass(t *testing.T) {
	zero := 0.0
	engine, err := NewEngine([]entity.ExtractRule{
		{Name: "username", Selector: "a.User_Name", Required: true, Validator: &entity.ValidatorSpec{Type: "regex", Pattern: `^[a-z]+$`}},
		{Name: "invites", Selector: "td.invites", Required: true},
		{Name: "bonus", Selector: "td.bonus", Transform: []entity.TransformSpec{{Type: "regexExtractNumber"}},
			Validator: &entity.ValidatorSpec{Type: "range", Min: &zero}},
		{Name: "tags", Selector: "ul.tags li", Multiple: true, Validator: &entity.ValidatorSpec{Type: "oneOf", Values: []string{"free", "2x"}}},
	}, nil)
	require.NoError(t, err)

	res, err := engine.ExtractHTML(userDetailsPage)
	require.NoError(t, err)

	errs := engine.Validate(res.Data)
	require.Len(t, errs, 2)
	require.Equal(t, "invites", errs[0].Rule)
	require.Equal(t, "tags", errs[1].Rule)
	require.Contains(t, errs[1].Error(), `"hot" is not one of free, 2x`)
}

func TestNewEngineRejectsBadRules(t *testing.T) {
	_, err := NewEngine([]entity.ExtractRule{{Name: "a", Selector: "p", Kind: entity.KindAttribute}}, nil)
	require.Error(t, err)

	_, err = NewEngine([]entity.ExtractRule{{Name: "a", Selector: "p"}, {Name: "a", Selector: "div"}}, nil)
	require.ErrorContains(t, err, "duplicate rule name")

	_, err = NewEngine([]entity.ExtractRule{{Name: "a", Selector: "p", Transform: []entity.TransformSpec{{Type: "eval"}}}}, nil)
	require.ErrorContains(t, err, `unknown type "eval"`)
}

func TestRecordKeepsFieldOrderInJSON(t *testing.T) {
	engine, err := NewEngine([]entity.ExtractRule{
		{Name: "uploaded", Selector: "td.up"},
		{Name: "username", Selector: "a.User_Name"},
	}, nil)
	require.NoError(t, err)

	res, err := engine.ExtractHTML(userDetailsPage)
	require.NoError(t, err)

	out, err := json.Marshal(res.Data)
	require.NoError(t, err)
	require.Equal(t, `{"uploaded":"1.5 GB","username":"alice"}`, string(out))
}
