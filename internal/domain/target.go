package domain

import (
	"fmt"
	"strings"
)

// TargetKind selects how a chat target is addressed.
type TargetKind string

const (
	TargetContact    TargetKind = "contact"
	TargetRoom       TargetKind = "room"
	TargetFileHelper TargetKind = "filehelper"
)

// FileHelperName is the display name of the always-available self-chat.
const FileHelperName = "文件传输助手"

// ParseTargetKind accepts the kinds the orchestrator sends. Empty means filehelper.
func ParseTargetKind(s string) (TargetKind, error) {
	switch TargetKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", TargetFileHelper:
		return TargetFileHelper, nil
	case TargetContact:
		return TargetContact, nil
	case TargetRoom:
		return TargetRoom, nil
	default:
		return "", fmt.Errorf("unknown target type %q (want contact, room or filehelper)", s)
	}
}

// ChatName returns the name the automation client should open for a target.
// The file helper kind, and an empty or "null" name, resolve to fileHelper.
func ChatName(kind TargetKind, name, fileHelper string) string {
	if fileHelper == "" {
		fileHelper = FileHelperName
	}
	name = strings.TrimSpace(name)
	if kind == TargetFileHelper || name == "" || name == "null" {
		return fileHelper
	}
	return name
}
