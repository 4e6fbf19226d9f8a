package autostart

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	launchdLabel    = "dev.sealog.daemon"
	systemdUnitName = "sealog-daemon.service"
	windowsRunValue = "Sealog"
)

func daemonArgs(entry Entry) []string {
	return []string{"daemon", "run", "--port", strconv.Itoa(entry.Port)}
}

func launchdPlist(entry Entry) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">` + "\n")
	b.WriteString("<plist version=\"1.0\">\n<dict>\n")
	fmt.Fprintf(&b, "\t<key>Label</key>\n\t<string>%s</string>\n", launchdLabel)
	b.WriteString("\t<key>ProgramArguments</key>\n\t<array>\n")
	fmt.Fprintf(&b, "\t\t<string>%s</string>\n", entry.ExecPath)
	for _, arg := range daemonArgs(entry) {
		fmt.Fprintf(&b, "\t\t<string>%s</string>\n", arg)
	}
	b.WriteString("\t</array>\n")
	b.WriteString("\t<key>RunAtLoad</key>\n\t<true/>\n")
	b.WriteString("\t<key>KeepAlive</key>\n\t<false/>\n")
	b.WriteString("</dict>\n</plist>\n")
	return b.String()
}

func systemdUnit(entry Entry) string {
	command := entry.ExecPath + " " + strings.Join(daemonArgs(entry), " ")
	return fmt.Sprintf(`[Unit]
Description=Sealog session ledger daemon

[Service]
Type=simple
ExecStart=%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`, command)
}

func windowsRunCommand(entry Entry) string {
	return fmt.Sprintf("\"%s\" %s", entry.ExecPath, strings.Join(daemonArgs(entry), " "))
}
