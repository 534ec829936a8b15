package githubapp

import "strings"

// DefaultPermissions are requested by generated manifests and assumed for
// credentials registered without explicit permissions.
func DefaultPermissions() map[string]string {
	return map[string]string{
		"contents":      "write",
		"metadata":      "read",
		"pull_requests": "write",
		"issues":        "write",
	}
}

func DefaultEvents() []string {
	return []string{"issues"}
}

type HookAttributes struct {
	URL string `json:"url"`
}

// AppManifest is the GitHub App manifest posted to github.com/settings/apps/new.
type AppManifest struct {
	Name               string            `json:"name"`
	URL                string            `json:"url"`
	HookAttributes     HookAttributes    `json:"hook_attributes"`
	RedirectURL        string            `json:"redirect_url"`
	CallbackURL        string            `json:"callback_url"`
	Public             bool              `json:"public"`
	DefaultPermissions map[string]string `json:"default_permissions"`
	DefaultEvents      []string          `json:"default_events"`
}

// Manifest builds an app manifest whose URLs point back at origin.
func Manifest(name, origin string) AppManifest {
	origin = strings.TrimSuffix(origin, "/")
	return AppManifest{
		Name:               name,
		URL:                origin,
		HookAttributes:     HookAttributes{URL: origin + "/webhooks/github"},
		RedirectURL:        origin + "/install-complete",
		CallbackURL:        origin + "/gh-setup/callback",
		Public:             false,
		DefaultPermissions: DefaultPermissions(),
		DefaultEvents:      DefaultEvents(),
	}
}
