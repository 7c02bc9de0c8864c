// Package device is a reference device built on plain files: a state
// directory standing in for device settings, a JSONL outbox for scheduled
// messages and an inbox directory of observed events.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/devicesync/internal/actions"
	"github.com/agentworkforce/devicesync/internal/engine"
)

type Logger interface {
	Printf(format string, args ...any)
}

// StateDir keeps one JSON document per namespace. Actions rewrite the
// document; snapshots read it back.
type StateDir struct {
	root string

	mu sync.Mutex
}

func NewStateDir(root string) (*StateDir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &StateDir{root: root}, nil
}

func (d *StateDir) Root() string {
	return d.root
}

func (d *StateDir) Path(namespace string) string {
	return filepath.Join(d.root, namespace+".json")
}

// NamespaceOf maps a file inside the state dir back to its namespace.
func (d *StateDir) NamespaceOf(path string) (string, bool) {
	if filepath.Dir(filepath.Clean(path)) != d.root {
		return "", false
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
		return "", false
	}
	return strings.TrimSuffix(name, ".json"), true
}

// Snapshot returns the namespace's current document plus the fields every
// reader of that namespace expects. A missing file is a document with no
// settings. An unreadable file surfaces as engine.ErrPermissionDenied.
func (d *StateDir) Snapshot(namespace string) engine.SnapshotFunc {
	return func(ctx context.Context) (engine.StateSnapshot, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d.mu.Lock()
		doc, err := d.readLocked(namespace)
		d.mu.Unlock()
		if err != nil {
			return nil, err
		}
		doc["hasPermission"] = true
		if namespace == actions.NamespaceMedia {
			doc["maxVolume"] = actions.MaxVolume
		}
		return doc, nil
	}
}

// Actuator applies namespace actions to the namespace's document.
func (d *StateDir) Actuator(namespace string) engine.Actuator {
	return engine.ActuatorFunc(func(ctx context.Context, action string, args map[string]any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return d.apply(namespace, action, args)
	})
}

// Feature wires a namespace's actions, schemas and snapshot into an engine
// feature.
func (d *StateDir) Feature(namespace string) engine.Feature {
	return engine.Feature{
		Namespace: namespace,
		Handlers:  engine.ActuatorHandlers(d.Actuator(namespace), actions.Actions(namespace)...),
		Schemas:   actions.Schemas(namespace),
		Snapshot:  d.Snapshot(namespace),
	}
}

func (d *StateDir) apply(namespace, action string, args map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.readLocked(namespace)
	if err != nil {
		return err
	}
	if err := applyAction(doc, namespace, action, args); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(d.Path(namespace), append(data, '\n'), 0o644); err != nil {
		return permissionAware(err)
	}
	return nil
}

func (d *StateDir) readLocked(namespace string) (engine.StateSnapshot, error) {
	data, err := os.ReadFile(d.Path(namespace))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return engine.StateSnapshot{}, nil
		}
		return nil, permissionAware(err)
	}
	doc := engine.StateSnapshot{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s state: %w", namespace, err)
	}
	return doc, nil
}

// applyAction sets fields rather than toggling them so replays converge.
func applyAction(doc engine.StateSnapshot, namespace, action string, args map[string]any) error {
	switch namespace + "/" + action {
	case actions.NamespaceDND + "/" + actions.Enable:
		doc["enabled"] = true
	case actions.NamespaceDND + "/" + actions.Disable:
		doc["enabled"] = false
	case actions.NamespaceDND + "/" + actions.SetMode:
		mode, err := stringArg(args, "mode")
		if err != nil {
			return err
		}
		doc["mode"] = mode
	case actions.NamespaceMedia + "/" + actions.Play:
		doc["isPlaying"] = true
	case actions.NamespaceMedia + "/" + actions.Pause:
		doc["isPlaying"] = false
	case actions.NamespaceMedia + "/" + actions.SetVolume:
		level, err := intArg(args, "level")
		if err != nil {
			return err
		}
		if level < 0 || level > actions.MaxVolume {
			return fmt.Errorf("%w: level %d outside 0..%d", engine.ErrInvalidInput, level, actions.MaxVolume)
		}
		doc["volume"] = level
	case actions.NamespaceMedia + "/" + actions.SetTrack:
		title, err := stringArg(args, "title")
		if err != nil {
			return err
		}
		doc["title"] = title
		for _, key := range []string{"artist", "album", "appName"} {
			if value, ok := args[key].(string); ok {
				doc[key] = value
			} else {
				delete(doc, key)
			}
		}
	case actions.NamespaceHotspot + "/" + actions.Enable:
		doc["enabled"] = true
		if ssid, ok := args["ssid"].(string); ok && strings.TrimSpace(ssid) != "" {
			doc["ssid"] = ssid
		}
	case actions.NamespaceHotspot + "/" + actions.Disable:
		doc["enabled"] = false
	default:
		return fmt.Errorf("%w: unsupported action %s/%s", engine.ErrInvalidInput, namespace, action)
	}
	return nil
}

func stringArg(args map[string]any, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("%w: %s is required", engine.ErrInvalidInput, key)
	}
	return value, nil
}

func intArg(args map[string]any, key string) (int, error) {
	switch value := args[key].(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		if value != math.Trunc(value) {
			return 0, fmt.Errorf("%w: %s must be an integer", engine.ErrInvalidInput, key)
		}
		return int(value), nil
	case json.Number:
		n, err := value.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer", engine.ErrInvalidInput, key)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: %s is required", engine.ErrInvalidInput, key)
	}
}

func permissionAware(err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", engine.ErrPermissionDenied, err)
	}
	return err
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
