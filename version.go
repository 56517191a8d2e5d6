// Package erpkit installs, diagnoses and removes an ERPNext stack by driving
// its shell scripts and relaying their output.
package erpkit

// Version is the erpkit release version.
const Version = "0.4.1"
