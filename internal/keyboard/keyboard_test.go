package keyboard

import (
	"strings"
	"testing"

	"github.com/zulandar/railbot/internal/config"
	"github.com/zulandar/railbot/internal/i18n"
	"github.com/zulandar/railbot/internal/models"
	"github.com/zulandar/railbot/internal/platform"
)

var cat = i18n.MustLoad("en")

func TestChatSelector_RoundTrip(t *testing.T) {
	for i := 1; i <= models.SelectorConversations; i++ {
		for _, active := range []bool{false, true} {
			tok := ChatSelector(i, active)
			if got := ParseChatSelector(tok); got != i {
				t.Errorf("ParseChatSelector(%q) = %d, want %d", tok, got, i)
			}
		}
	}
	if ChatSelector(0, false) != "" || ChatSelector(6, false) != "" {
		t.Error("ChatSelector out of range should be empty")
	}
}

func TestParseChatSelector_Other(t *testing.T) {
	for _, in := range []string{"", "hello", "5️⃣", "1️⃣ 2️⃣"} {
		if got := ParseChatSelector(in); got != 0 {
			t.Errorf("ParseChatSelector(%q) = %d, want 0", in, got)
		}
	}
}

func TestMain_Layout(t *testing.T) {
	kb := Main(cat, "en", true, 3)
	if kb.Inline {
		t.Error("main keyboard should be a reply keyboard")
	}
	if len(kb.Rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(kb.Rows))
	}
	if got := kb.Rows[0][1].Label; got != "🌐 Web search ✅" {
		t.Errorf("web search label = %q", got)
	}
	if len(kb.Rows[1]) != 2+models.SelectorConversations {
		t.Fatalf("selector row = %d buttons", len(kb.Rows[1]))
	}
	if got := kb.Rows[1][4].Label; got != "3️⃣✅" {
		t.Errorf("active selector = %q, want 3️⃣✅", got)
	}
	if got := kb.Rows[1][2].Label; got != "1️⃣" {
		t.Errorf("inactive selector = %q", got)
	}
	for _, row := range kb.Rows {
		for _, b := range row {
			if b.Callback != "" {
				t.Errorf("reply button %q carries callback %q", b.Label, b.Callback)
			}
		}
	}

	off := Main(cat, "ru", false, 1)
	if !strings.HasSuffix(off.Rows[0][1].Label, "❌") {
		t.Errorf("web search off label = %q", off.Rows[0][1].Label)
	}
}

func TestModels_DisabledGetNotModel(t *testing.T) {
	list := []models.AIModel{
		{ID: "a", Label: "Alpha", Enabled: true},
		{ID: "b", Enabled: false},
	}
	kb := Models(cat, "en", CallbackChatModels, list, "a")
	if !kb.Inline {
		t.Error("models keyboard should be inline")
	}
	if len(kb.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(kb.Rows))
	}
	if got := kb.Rows[0][0].Label; got != "Alpha ✅" {
		t.Errorf("label = %q", got)
	}
	typ, data := platform.DecodeCallback(kb.Rows[0][0].Callback)
	if typ != CallbackChatModels || data["model_id"] != "a" {
		t.Errorf("callback = %q", kb.Rows[0][0].Callback)
	}
	typ, _ = platform.DecodeCallback(kb.Rows[1][0].Callback)
	if typ != CallbackNotModel {
		t.Errorf("disabled callback type = %q, want %q", typ, CallbackNotModel)
	}
	if kb.Rows[1][0].Label != "b" {
		t.Errorf("label fallback = %q, want id", kb.Rows[1][0].Label)
	}
	if kb.Rows[2][0].Callback != CallbackCancel {
		t.Errorf("last row callback = %q, want cancel", kb.Rows[2][0].Callback)
	}
}

func TestPaymentMethodKeyboard(t *testing.T) {
	kb := PaymentMethodKeyboard(cat, "en", "basic")
	if len(kb.Rows) != len(PaymentMethods)+1 {
		t.Fatalf("rows = %d", len(kb.Rows))
	}
	typ, data := platform.DecodeCallback(kb.Rows[1][0].Callback)
	if typ != CallbackPlanPayment || data["plan"] != "basic" || data["method"] != "crypto" {
		t.Errorf("callback = %q", kb.Rows[1][0].Callback)
	}
	if kb.Rows[0][0].Label != "💳 Card" {
		t.Errorf("label = %q", kb.Rows[0][0].Label)
	}
}

func TestPlans(t *testing.T) {
	kb := Plans(cat, "en", []config.PlanConfig{{ID: "basic", Label: "Basic"}, {ID: "pro"}})
	if len(kb.Rows) != 3 {
		t.Fatalf("rows = %d", len(kb.Rows))
	}
	if kb.Rows[1][0].Label != "pro" {
		t.Errorf("label fallback = %q", kb.Rows[1][0].Label)
	}
	if kb.Rows[0][0].Callback != "plan_list?plan=basic" {
		t.Errorf("callback = %q", kb.Rows[0][0].Callback)
	}
}

func convs(n int) []models.Conversation {
	var out []models.Conversation
	for i := 1; i <= n; i++ {
		out = append(out, models.Conversation{Index: i})
	}
	return out
}

func TestChatList_Pagination(t *testing.T) {
	list := convs(12)
	list[6].Name = "Work"

	kb := ChatList(cat, "en", list, 2, 7, nil)
	// 5 chats, nav, create, cancel
	if len(kb.Rows) != 8 {
		t.Fatalf("rows = %d, want 8", len(kb.Rows))
	}
	if got := kb.Rows[0][0].Label; got != "Chat #6" {
		t.Errorf("first label = %q", got)
	}
	if got := kb.Rows[1][0].Label; got != "Chat #7 | Work ✅" {
		t.Errorf("active label = %q", got)
	}
	nav := kb.Rows[5]
	if len(nav) != 3 {
		t.Fatalf("nav = %d buttons, want 3", len(nav))
	}
	if nav[1].Label != "2/3" {
		t.Errorf("page label = %q", nav[1].Label)
	}
	typ, data := platform.DecodeCallback(nav[2].Callback)
	if typ != CallbackChatNav || data["page"] != "2" || data["direction"] != "1" {
		t.Errorf("next callback = %q", nav[2].Callback)
	}
	if kb.Rows[6][0].Callback != CallbackCreateNewChat {
		t.Errorf("create callback = %q", kb.Rows[6][0].Callback)
	}
}

func TestChatList_ClampsPage(t *testing.T) {
	kb := ChatList(cat, "en", convs(7), 9, 1, nil)
	if got := kb.Rows[0][0].Label; got != "Chat #6" {
		t.Errorf("first label = %q, want last page", got)
	}
	nav := kb.Rows[2]
	if len(nav) != 2 || nav[1].Label != "2/2" {
		t.Errorf("nav = %+v", nav)
	}
}

func TestChatList_SinglePageNoNav(t *testing.T) {
	tools := Tools([]models.AIModel{{ID: "t1", Label: "Search"}}, "t1")
	kb := ChatList(cat, "en", convs(3), 1, 1, tools)
	// 3 chats, create, 1 tool, cancel
	if len(kb.Rows) != 6 {
		t.Fatalf("rows = %d, want 6", len(kb.Rows))
	}
	if kb.Rows[4][0].Label != "Search ✅" || kb.Rows[4][0].Callback != "tool?tool_id=t1" {
		t.Errorf("tool button = %+v", kb.Rows[4][0])
	}
}

func TestPageCount(t *testing.T) {
	tests := []struct{ n, want int }{{0, 1}, {1, 1}, {5, 1}, {6, 2}, {11, 3}}
	for _, tt := range tests {
		if got := PageCount(tt.n); got != tt.want {
			t.Errorf("PageCount(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestToggle(t *testing.T) {
	kb := Toggle(cat, "en", CallbackLinksParseOn, CallbackLinksParseOff)
	if kb.Rows[0][0].Callback != CallbackLinksParseOn || kb.Rows[0][1].Callback != CallbackLinksParseOff {
		t.Errorf("toggle row = %+v", kb.Rows[0])
	}
}

func TestImageButtons(t *testing.T) {
	if ImageButtons(nil) != nil {
		t.Error("no buttons should give no keyboard")
	}
	var bs []ImageButton
	for _, id := range []string{"U1", "U2", "U3", "U4", "V1"} {
		bs = append(bs, ImageButton{ID: id, Label: id})
	}
	kb := ImageButtons(bs)
	if len(kb.Rows) != 2 || len(kb.Rows[0]) != 4 {
		t.Fatalf("rows = %+v", kb.Rows)
	}
	if kb.Rows[1][0].Callback != "MJ_BUTTON?id=V1" {
		t.Errorf("callback = %q", kb.Rows[1][0].Callback)
	}
}

func TestReferralTemplates(t *testing.T) {
	kb := ReferralTemplates(cat, "en", []ReferralTemplate{{ID: "7", Label: "Basic"}})
	if kb.Rows[0][0].Callback != "ref_t?id=7" {
		t.Errorf("callback = %q", kb.Rows[0][0].Callback)
	}
	kb = CreateReferral(cat, "en")
	if kb.Rows[0][0].Callback != CallbackCreateReferralProgram {
		t.Errorf("callback = %q", kb.Rows[0][0].Callback)
	}
}
