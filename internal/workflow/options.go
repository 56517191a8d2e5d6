package workflow

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrInvalidOptions is returned when run options fail validation.
	ErrInvalidOptions = errors.New("invalid options")
	// ErrNotConfirmed is returned when an uninstall lacks the typed confirmation.
	ErrNotConfirmed = errors.New("uninstall not confirmed")
)

// ConfirmWord must be typed exactly to allow an uninstall.
const ConfirmWord = "YES"

// Versions lists the ERPNext branches the installer accepts.
var Versions = []string{"13", "14", "15", "develop"}

// DefaultVersion is used when no version is chosen.
const DefaultVersion = "15"

// InstallOptions are the operator's installer settings. They reach the
// script as environment variables, never on the command line.
type InstallOptions struct {
	User           string `json:"username"`
	Site           string `json:"sitename"`
	Version        string `json:"version"`
	UserPass       string `json:"user_pass"`
	MySQLPass      string `json:"mysql_pass"`
	AdminPass      string `json:"admin_pass"`
	Production     bool   `json:"prod_mode"`
	InstallERPNext bool   `json:"install_erpnext"`
}

// Validate checks the required fields. An empty version selects the default.
func (o *InstallOptions) Validate() error {
	if o.User == "" {
		return fmt.Errorf("%w: ERPNext username is required", ErrInvalidOptions)
	}
	if o.Site == "" {
		return fmt.Errorf("%w: site name is required", ErrInvalidOptions)
	}
	if o.UserPass == "" || o.MySQLPass == "" || o.AdminPass == "" {
		return fmt.Errorf("%w: all passwords are required", ErrInvalidOptions)
	}
	if o.Version == "" {
		o.Version = DefaultVersion
	}
	if !slices.Contains(Versions, o.Version) {
		return fmt.Errorf("%w: unsupported version %q (want one of %v)", ErrInvalidOptions, o.Version, Versions)
	}
	return nil
}

// Env returns the variables the installer reads.
func (o InstallOptions) Env() map[string]string {
	return map[string]string{
		"ERP_USER":        o.User,
		"SITE_NAME":       o.Site,
		"ERP_VERSION":     o.Version,
		"ERP_USER_PASS":   o.UserPass,
		"MYSQL_PASS":      o.MySQLPass,
		"ADMIN_PASS":      o.AdminPass,
		"PRODUCTION":      yesNo(o.Production),
		"INSTALL_ERPNEXT": yesNo(o.InstallERPNext),
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// UninstallOptions are the answers to the removal script's prompts.
type UninstallOptions struct {
	Confirm        string `json:"confirm"`
	RemovePackages bool   `json:"remove_packages"`
}

// Validate requires the exact confirmation word.
func (o *UninstallOptions) Validate() error {
	if o.Confirm != ConfirmWord {
		return fmt.Errorf("%w: type %s to confirm", ErrNotConfirmed, ConfirmWord)
	}
	return nil
}

// Stdin returns the script input: the confirmation, then whether system
// packages go too.
func (o UninstallOptions) Stdin() string {
	answer := "n"
	if o.RemovePackages {
		answer = "y"
	}
	return ConfirmWord + "\n" + answer + "\n"
}
