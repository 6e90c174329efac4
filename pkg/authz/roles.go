package authz

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Built-in roles.
const (
	RoleRead     = "MCP_Read"
	RoleWrite    = "MCP_Write"
	RoleAdmin    = "MCP_Admin"
	RoleApprover = "MCP_Approver"
)

// RoleMap maps tool names to the roles allowed to call them.
// Tools that are not mapped require RoleRead.
type RoleMap struct {
	mu    sync.RWMutex
	tools map[string][]string
}

// RoleMapFile is the on-disk layout of a role map.
type RoleMapFile struct {
	Tools map[string][]string `yaml:"tools" json:"tools"`
}

// NewRoleMap creates a role map from tool -> roles entries.
func NewRoleMap(tools map[string][]string) *RoleMap {
	rm := &RoleMap{}
	rm.Replace(tools)
	return rm
}

// DefaultRoleMap returns the built-in mapping for the AOS tools.
func DefaultRoleMap() *RoleMap {
	readers := []string{RoleRead, RoleWrite, RoleAdmin}
	writers := []string{RoleWrite, RoleAdmin}
	return NewRoleMap(map[string][]string{
		"get_customer":       readers,
		"get_item":           readers,
		"get_sales_order":    readers,
		"check_inventory":    readers,
		"get_price":          readers,
		"health_check":       readers,
		"create_sales_order": writers,
		"update_sales_order": writers,
		"post_payment":       writers,
		"create_invoice":     writers,
		"decide_approval":    {RoleApprover, RoleAdmin},
		"list_approvals":     {RoleApprover, RoleAdmin},
		"manage_webhooks":    {RoleAdmin},
		"query_audit":        {RoleAdmin},
	})
}

// RequiredRoles returns the roles that may call toolName.
func (rm *RoleMap) RequiredRoles(toolName string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if roles, ok := rm.tools[normalizeTool(toolName)]; ok {
		return append([]string(nil), roles...)
	}
	return []string{RoleRead}
}

// Set maps a single tool.
func (rm *RoleMap) Set(toolName string, roles []string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.tools[normalizeTool(toolName)] = append([]string(nil), roles...)
}

// Replace swaps the whole mapping.
func (rm *RoleMap) Replace(tools map[string][]string) {
	next := make(map[string][]string, len(tools))
	for name, roles := range tools {
		next[normalizeTool(name)] = append([]string(nil), roles...)
	}

	rm.mu.Lock()
	rm.tools = next
	rm.mu.Unlock()
}

// Merge overlays entries on top of the current mapping.
func (rm *RoleMap) Merge(tools map[string][]string) {
	for name, roles := range tools {
		rm.Set(name, roles)
	}
}

// Tools returns a copy of the mapping.
func (rm *RoleMap) Tools() map[string][]string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make(map[string][]string, len(rm.tools))
	for name, roles := range rm.tools {
		out[name] = append([]string(nil), roles...)
	}
	return out
}

// ParseRoleMap decodes a YAML (or JSON) role map document.
func ParseRoleMap(data []byte) (map[string][]string, error) {
	var file RoleMapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse role map: %w", err)
	}
	for name, roles := range file.Tools {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("role map contains an empty tool name")
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("tool %s has no roles", name)
		}
	}
	return file.Tools, nil
}

// LoadRoleMapFile reads path and replaces the mapping of rm.
// On error the current mapping is kept.
func LoadRoleMapFile(rm *RoleMap, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read role map: %w", err)
	}
	tools, err := ParseRoleMap(data)
	if err != nil {
		return err
	}
	rm.Replace(tools)
	return nil
}

func normalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
