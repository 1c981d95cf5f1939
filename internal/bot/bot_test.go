package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"guildwarden/internal/config"
	"guildwarden/internal/model"
	"guildwarden/internal/modules/moderation"
	"guildwarden/internal/sink"

	"github.com/bwmarrin/discordgo"
)

func restError(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "test"},
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"missing permissions", restError(http.StatusForbidden, codeMissingPermissions), sink.ErrPermission},
		{"dm closed", restError(http.StatusForbidden, codeCannotDMUser), sink.ErrPermission},
		{"unknown member", restError(http.StatusNotFound, codeUnknownMember), sink.ErrNotFound},
		{"unknown ban", restError(http.StatusNotFound, codeUnknownBan), sink.ErrNotFound},
		{"bare 403", restError(http.StatusForbidden, 0), sink.ErrPermission},
		{"bare 404", restError(http.StatusNotFound, 0), sink.ErrNotFound},
	}
	for _, tc := range cases {
		if got := classify(tc.err); !errors.Is(got, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}

	if classify(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
	plain := errors.New("boom")
	if got := classify(plain); got != plain {
		t.Fatalf("non-REST errors must pass through, got %v", got)
	}
	serverErr := classify(restError(http.StatusInternalServerError, 0))
	if errors.Is(serverErr, sink.ErrPermission) || errors.Is(serverErr, sink.ErrNotFound) {
		t.Fatalf("5xx must not be classified: %v", serverErr)
	}
}

func TestRequestOptionsCarryAuditReason(t *testing.T) {
	apply := func(options []discordgo.RequestOption) *http.Request {
		req, err := http.NewRequest(http.MethodPut, "https://discord.test/guilds/g1/members/u1/roles/r1", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		cfg := &discordgo.RequestConfig{Request: req}
		for _, option := range options {
			option(cfg)
		}
		return cfg.Request
	}

	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "bound")
	req := apply(requestOptions(ctx, "Level reward"))
	reason, err := url.PathUnescape(req.Header.Get("X-Audit-Log-Reason"))
	if err != nil || reason != "Level reward" {
		t.Fatalf("expected audit reason, got %q (%v)", reason, err)
	}
	if req.Context().Value(ctxKey{}) != "bound" {
		t.Fatalf("request is not bound to the caller context")
	}

	req = apply(requestOptions(context.Background(), ""))
	if got := req.Header.Get("X-Audit-Log-Reason"); got != "" {
		t.Fatalf("empty reason must not set the header, got %q", got)
	}
}

func TestCloseWithinHonorsDeadline(t *testing.T) {
	if err := closeWithin(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := closeWithin(ctx, func() error {
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	if err := (&Bot{}).Close(context.Background()); err != nil {
		t.Fatalf("closing without a session must succeed, got %v", err)
	}
}

func TestLogEmbed(t *testing.T) {
	colors := config.DefaultConfig().EmbedColors
	record := sink.LogRecord{
		UserID:    "u1",
		ChannelID: "c1",
		Kinds:     []string{"spam", "unauthorized links"},
		Count:     2,
		Threshold: 3,
		Hosts:     []string{"evil.example"},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	embed := logEmbed(record, colors)
	if embed.Title != "Automod violation" || embed.Color != colors.Warning {
		t.Fatalf("unexpected header %q %d", embed.Title, embed.Color)
	}
	values := map[string]string{}
	for _, field := range embed.Fields {
		values[field.Name] = field.Value
	}
	if values["Warnings"] != "2/3" || values["User"] != "<@u1>" || values["Links"] != "evil.example" {
		t.Fatalf("unexpected fields %v", values)
	}
	if !strings.Contains(values["Violations"], "unauthorized links") {
		t.Fatalf("missing kinds: %v", values)
	}

	record.Escalated = true
	record.Hosts = nil
	embed = logEmbed(record, colors)
	if embed.Title != "Automod timeout" || len(embed.Fields) != 4 {
		t.Fatalf("unexpected escalated embed %+v", embed)
	}
}

func TestIsStaff(t *testing.T) {
	staff := model.NewIDSet("mods")
	if !isStaff(discordgo.PermissionManageMessages, nil, nil) {
		t.Fatalf("manage messages must count as staff")
	}
	if !isStaff(discordgo.PermissionAdministrator, nil, nil) {
		t.Fatalf("administrator must count as staff")
	}
	if !isStaff(0, []string{"members", "mods"}, staff) {
		t.Fatalf("staff role must count as staff")
	}
	if isStaff(discordgo.PermissionSendMessages, []string{"members"}, staff) {
		t.Fatalf("regular member treated as staff")
	}
}

func TestSplitSubcommand(t *testing.T) {
	options := []*discordgo.ApplicationCommandInteractionDataOption{{
		Name: "exempt",
		Type: discordgo.ApplicationCommandOptionSubCommand,
		Options: []*discordgo.ApplicationCommandInteractionDataOption{
			{Name: "channel", Type: discordgo.ApplicationCommandOptionChannel, Value: "c9"},
			{Name: "scope", Type: discordgo.ApplicationCommandOptionString, Value: " links "},
		},
	}}
	sub, args := split(options)
	if sub != "exempt" {
		t.Fatalf("unexpected subcommand %q", sub)
	}
	if args.channelID("channel") != "c9" || args.text("scope") != "links" {
		t.Fatalf("unexpected args")
	}
	if args.number("missing", 7) != 7 || args.userID("missing") != "" {
		t.Fatalf("missing options must fall back")
	}

	sub, args = split([]*discordgo.ApplicationCommandInteractionDataOption{
		{Name: "user", Type: discordgo.ApplicationCommandOptionUser, Value: "u5"},
		{Name: "count", Type: discordgo.ApplicationCommandOptionInteger, Value: float64(3)},
	})
	if sub != "" || args.userID("user") != "u5" || args.number("count", 1) != 3 {
		t.Fatalf("unexpected flat options %q", sub)
	}
}

func TestActionError(t *testing.T) {
	invalid := fmt.Errorf("%w: duration 30s must be between 1m0s and 168h0m0s", moderation.ErrInvalidInput)
	if got := actionError("timeout this user", invalid); got != "duration 30s must be between 1m0s and 168h0m0s" {
		t.Fatalf("unexpected invalid-input text %q", got)
	}
	denied := fmt.Errorf("ban member: %w", classify(restError(http.StatusForbidden, codeMissingPermissions)))
	if got := actionError("ban this user", denied); got != "I don't have permission to ban this user." {
		t.Fatalf("unexpected permission text %q", got)
	}
	if got := actionError("kick this user", errors.New("boom")); !strings.HasPrefix(got, "Could not kick this user") {
		t.Fatalf("unexpected fallback text %q", got)
	}
}

func TestFormatRulesSorted(t *testing.T) {
	got := formatRules([]model.LevelRoleRule{
		{Level: 10, RoleID: "veteran"},
		{Level: 5, RoleID: "regular"},
	})
	if got != "Level 5: <@&regular>\nLevel 10: <@&veteran>" {
		t.Fatalf("unexpected listing %q", got)
	}
	if formatRules(nil) != "No level roles configured." {
		t.Fatalf("unexpected empty listing")
	}
}

func TestCommandDefinitions(t *testing.T) {
	seen := map[string]bool{}
	for _, cmd := range commandDefinitions() {
		if seen[cmd.Name] {
			t.Fatalf("duplicate command %s", cmd.Name)
		}
		seen[cmd.Name] = true
		public := cmd.Name == "level" || cmd.Name == "verify"
		if public != (cmd.DefaultMemberPermissions == nil) {
			t.Fatalf("%s: unexpected default permissions", cmd.Name)
		}
	}
	for _, name := range []string{"automod", "leveling", "levelrole", "level", "warn", "warnings", "unwarn", "timeout", "untimeout", "ban", "unban", "kick"} {
		if !seen[name] {
			t.Fatalf("missing command %s", name)
		}
	}
}
