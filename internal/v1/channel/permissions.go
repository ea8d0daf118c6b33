package channel

import (
	"sort"
	"strings"
)

// Action names a permission-gated channel operation.
type Action string

const (
	ActionView   Action = "view"
	ActionChat   Action = "chat"
	ActionVoice  Action = "voice"
	ActionStream Action = "stream"
	ActionManage Action = "manage"
)

var allActions = []Action{ActionView, ActionChat, ActionVoice, ActionStream, ActionManage}

// Wildcard grants an action to everyone.
const Wildcard = "*"

// RuleInput is the client-shaped rule for one action.
type RuleInput struct {
	Roles    []string `json:"roles,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
}

// PermissionsInput is the client-shaped permission matrix, including the
// legacy allowedStreamers field older configs carry.
type PermissionsInput struct {
	View             *RuleInput `json:"view,omitempty"`
	Chat             *RuleInput `json:"chat,omitempty"`
	Voice            *RuleInput `json:"voice,omitempty"`
	Stream           *RuleInput `json:"stream,omitempty"`
	Manage           *RuleInput `json:"manage,omitempty"`
	AllowedStreamers []string   `json:"allowedStreamers,omitempty"`
}

// Rule is the canonical per-action grant: sorted, deduplicated, lowercased
// role names (or the single wildcard) plus an account allow-list.
type Rule struct {
	Roles    []string `json:"roles"`
	Accounts []string `json:"accounts,omitempty"`
}

// Permissions is the canonical matrix. Every action has an entry.
type Permissions map[Action]Rule

// Input converts the canonical matrix back to the client shape, so
// normalization can be applied to its own output.
func (p Permissions) Input() PermissionsInput {
	rule := func(a Action) *RuleInput {
		r := p[a]
		return &RuleInput{
			Roles:    append([]string(nil), r.Roles...),
			Accounts: append([]string(nil), r.Accounts...),
		}
	}
	return PermissionsInput{
		View:   rule(ActionView),
		Chat:   rule(ActionChat),
		Voice:  rule(ActionVoice),
		Stream: rule(ActionStream),
		Manage: rule(ActionManage),
	}
}

func (p Permissions) clone() Permissions {
	cp := make(Permissions, len(p))
	for action, rule := range p {
		cp[action] = Rule{
			Roles:    append([]string(nil), rule.Roles...),
			Accounts: append([]string(nil), rule.Accounts...),
		}
	}
	return cp
}

// defaultRoles installs the open-by-default grants; only manage is
// restricted out of the box.
func defaultRoles(action Action) []string {
	if action == ActionManage {
		return []string{"admin"}
	}
	return []string{Wildcard}
}

// Normalize canonicalizes a permission matrix:
//   - role names lowercased and deduplicated; "*" or "@all" collapses the
//     whole set to the wildcard
//   - absent actions get defaults (manage → admin, everything else → *)
//   - legacy allowedStreamers folds into stream.accounts
//   - the legacy {"admin","streamer"} stream shorthand with no account
//     allow-list collapses to the wildcard, preserving the old "anyone may
//     stream" reading
//
// Normalize is idempotent over its own output.
func Normalize(in PermissionsInput) Permissions {
	rules := map[Action]*RuleInput{
		ActionView:   in.View,
		ActionChat:   in.Chat,
		ActionVoice:  in.Voice,
		ActionStream: in.Stream,
		ActionManage: in.Manage,
	}

	out := make(Permissions, len(allActions))
	for _, action := range allActions {
		raw := rules[action]
		if raw == nil {
			out[action] = Rule{Roles: defaultRoles(action)}
			continue
		}

		roles := normalizeRoles(raw.Roles)
		if len(roles) == 0 {
			roles = defaultRoles(action)
		}
		accounts := dedupeSorted(raw.Accounts)
		if action == ActionStream {
			accounts = dedupeSorted(append(accounts, in.AllowedStreamers...))
		}
		out[action] = Rule{Roles: roles, Accounts: accounts}
	}

	// Older configs wrote {"admin","streamer"} to mean "anyone may stream".
	stream := out[ActionStream]
	if len(stream.Accounts) == 0 && equalStrings(stream.Roles, []string{"admin", "streamer"}) {
		stream.Roles = []string{Wildcard}
		out[ActionStream] = stream
	}
	return out
}

func normalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		if role == Wildcard || role == "@all" {
			return []string{Wildcard}
		}
		if _, dup := seen[role]; dup {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

func dedupeSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// allows evaluates the access decision for one principal. Precedence:
// superuser, wildcard, role intersection, account allow-list.
func (p Permissions) allows(accountID string, roles []string, action Action) bool {
	for _, role := range roles {
		if strings.EqualFold(role, "superuser") {
			return true
		}
	}

	rule, ok := p[action]
	if !ok {
		rule = Rule{Roles: defaultRoles(action)}
	}

	for _, granted := range rule.Roles {
		if granted == Wildcard {
			return true
		}
		for _, held := range roles {
			if strings.EqualFold(held, granted) {
				return true
			}
		}
	}
	if accountID != "" {
		for _, allowed := range rule.Accounts {
			if allowed == accountID {
				return true
			}
		}
	}
	return false
}
