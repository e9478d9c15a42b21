package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/samber/lo"
)

// URLPolicy decides what a missing url-typed property means for a probe.
type URLPolicy string

const (
	URLPolicyWarn  URLPolicy = "warn"
	URLPolicyBlock URLPolicy = "block"
)

// Toggle is a boolean feature switch with its own default.
type Toggle struct {
	Name    string
	Default bool
	Help    string
}

// Profile describes one extension: which service it talks to and which toggles it keeps.
type Profile struct {
	Name      string
	Service   string
	Toggles   []Toggle
	URLPolicy URLPolicy
}

var profiles = map[string]Profile{
	"gmail": {
		Name:    "gmail",
		Service: ServiceNotion,
		Toggles: []Toggle{
			{Name: "notifications", Default: true, Help: "notify after each saved email"},
			{Name: "autoSave", Default: false, Help: "save the open email without a click"},
			{Name: "dedup", Default: true, Help: "skip emails already saved by message id"},
			{Name: "captureImages", Default: false, Help: "upload inline images"},
		},
		URLPolicy: URLPolicyWarn,
	},
	"chat": {
		Name:    "chat",
		Service: ServiceNotion,
		Toggles: []Toggle{
			{Name: "notifications", Default: true, Help: "notify after each saved conversation"},
			{Name: "autoSave", Default: true, Help: "save conversations when the tab closes"},
			{Name: "captureImages", Default: true, Help: "keep generated images"},
			{Name: "includeTimestamps", Default: true, Help: "prefix messages with their time"},
		},
		URLPolicy: URLPolicyWarn,
	},
	"logistics": {
		Name:    "logistics",
		Service: ServiceNotion,
		Toggles: []Toggle{
			{Name: "notifications", Default: false, Help: "notify after each extracted shipment"},
			{Name: "dedup", Default: true, Help: "skip shipments already extracted by tracking number"},
			{Name: "csvHeaders", Default: true, Help: "write a header row in CSV exports"},
		},
		URLPolicy: URLPolicyBlock,
	},
}

// LookupProfile returns the named profile.
func LookupProfile(name string) (Profile, error) {
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown extension profile %q (want one of %v)", name, ProfileNames())
	}
	return p, nil
}

// ProfileNames lists the known profiles in a stable order.
func ProfileNames() []string {
	names := lo.Keys(profiles)
	slices.Sort(names)
	return names
}

// Keys returns every setting name the profile persists.
func (p Profile) Keys() []string {
	keys := []string{KeyCredential, KeyResourceID, KeySelectedResource}
	return append(keys, lo.Map(p.Toggles, func(t Toggle, _ int) string { return t.Name })...)
}

// Defaults returns the documented default for every key.
func (p Profile) Defaults() Record {
	r := Record{
		KeyCredential:       "",
		KeyResourceID:       "",
		KeySelectedResource: "",
	}
	for _, t := range p.Toggles {
		r[t.Name] = strconv.FormatBool(t.Default)
	}
	return r
}

// Resolve fills the requested keys from stored, falling back to defaults.
// An empty key set selects every profile key.
func (p Profile) Resolve(stored Record, keys []string) Record {
	if len(keys) == 0 {
		keys = p.Keys()
	}
	defaults := p.Defaults()
	out := make(Record, len(keys))
	for _, k := range keys {
		if v, ok := stored[k]; ok {
			out[k] = v
			continue
		}
		out[k] = defaults[k]
	}
	return out
}

// Decode converts a record into typed settings. Unparseable toggles fall back to their default.
func (p Profile) Decode(r Record) Settings {
	r = p.Resolve(r, nil)
	s := Settings{
		Credential:       r[KeyCredential],
		ResourceID:       r[KeyResourceID],
		SelectedResource: r[KeySelectedResource],
		Toggles:          make(map[string]bool, len(p.Toggles)),
	}
	for _, t := range p.Toggles {
		v, err := strconv.ParseBool(r[t.Name])
		if err != nil {
			v = t.Default
		}
		s.Toggles[t.Name] = v
	}
	return s
}

// Encode converts typed settings into a full record. Toggles the profile does not know are rejected.
func (p Profile) Encode(s Settings) (Record, error) {
	known := lo.SliceToMap(p.Toggles, func(t Toggle) (string, Toggle) { return t.Name, t })
	r := Record{
		KeyCredential:       s.Credential,
		KeyResourceID:       s.ResourceID,
		KeySelectedResource: s.SelectedResource,
	}
	for name, v := range s.Toggles {
		if _, ok := known[name]; !ok {
			return nil, &ValidationError{Field: name, Reason: fmt.Sprintf("not a %s toggle", p.Name)}
		}
		r[name] = strconv.FormatBool(v)
	}
	for _, t := range p.Toggles {
		if _, ok := r[t.Name]; !ok {
			r[t.Name] = strconv.FormatBool(t.Default)
		}
	}
	return r, nil
}

// CheckKeys rejects setting names outside the profile.
func (p Profile) CheckKeys(keys []string) error {
	all := p.Keys()
	for _, k := range keys {
		if !slices.Contains(all, k) {
			return &ValidationError{Field: k, Reason: fmt.Sprintf("not a %s setting", p.Name)}
		}
	}
	return nil
}

// ClearableKeys drops the credential fields unless the user asked for them explicitly.
func ClearableKeys(keys []string, includeCredentials bool) []string {
	if includeCredentials {
		return keys
	}
	return lo.Reject(keys, func(k string, _ int) bool {
		return k == KeyCredential || k == KeyResourceID
	})
}
