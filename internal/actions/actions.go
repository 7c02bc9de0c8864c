// Package actions is the catalog of feature namespaces, their actions and
// the JSON Schemas for action arguments. The relay validates controller
// input against it and the device agent registers handlers from it.
package actions

import "sort"

const (
	NamespaceDND       = "dnd"
	NamespaceMedia     = "media"
	NamespaceHotspot   = "hotspot"
	NamespaceScheduled = "scheduled"
)

const (
	StreamNotifications = "notifications"
	StreamCalls         = "calls"
	StreamMessages      = "messages"
)

const (
	Enable    = "enable"
	Disable   = "disable"
	SetMode   = "set_mode"
	Play      = "play"
	Pause     = "pause"
	SetVolume = "set_volume"
	SetTrack  = "set_track"
	Cancel    = "cancel"
	Rescan    = "rescan"
	Send      = "send"
)

// MaxVolume is the top of the device volume scale.
const MaxVolume = 15

var catalog = map[string]map[string]string{
	NamespaceDND: {
		Enable:  `{"type":"object"}`,
		Disable: `{"type":"object"}`,
		SetMode: `{
			"type": "object",
			"required": ["mode"],
			"properties": {
				"mode": {"type": "string", "enum": ["priority", "alarms", "silence"]}
			}
		}`,
	},
	NamespaceMedia: {
		Play:  `{"type":"object"}`,
		Pause: `{"type":"object"}`,
		SetVolume: `{
			"type": "object",
			"required": ["level"],
			"properties": {
				"level": {"type": "integer", "minimum": 0, "maximum": 15}
			}
		}`,
		SetTrack: `{
			"type": "object",
			"required": ["title"],
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"artist": {"type": "string"},
				"album": {"type": "string"},
				"appName": {"type": "string"}
			}
		}`,
	},
	NamespaceHotspot: {
		Enable: `{
			"type": "object",
			"properties": {
				"ssid": {"type": "string", "minLength": 1, "maxLength": 32}
			}
		}`,
		Disable: `{"type":"object"}`,
	},
	NamespaceScheduled: {
		Cancel: `{
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": "string", "minLength": 1}
			}
		}`,
		Rescan: `{"type":"object"}`,
	},
}

// SendPayloadSchema describes the payload of a scheduled message delivery.
const SendPayloadSchema = `{
	"type": "object",
	"required": ["to", "body"],
	"properties": {
		"to": {"type": "string", "minLength": 1},
		"body": {"type": "string", "minLength": 1}
	}
}`

// Namespaces returns the known namespaces in sorted order.
func Namespaces() []string {
	out := make([]string, 0, len(catalog))
	for namespace := range catalog {
		out = append(out, namespace)
	}
	sort.Strings(out)
	return out
}

// Actions returns the known actions of namespace in sorted order.
func Actions(namespace string) []string {
	entries := catalog[namespace]
	out := make([]string, 0, len(entries))
	for action := range entries {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}

// Schemas returns a copy of the namespace's action schemas. Unknown
// namespaces return nil.
func Schemas(namespace string) map[string]string {
	entries, ok := catalog[namespace]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(entries))
	for action, schema := range entries {
		out[action] = schema
	}
	return out
}

func Known(namespace, action string) bool {
	_, ok := catalog[namespace][action]
	return ok
}

func KnownNamespace(namespace string) bool {
	_, ok := catalog[namespace]
	return ok
}

func KnownStream(stream string) bool {
	switch stream {
	case StreamNotifications, StreamCalls, StreamMessages:
		return true
	default:
		return false
	}
}
