package banner

import (
	"fmt"

	"msgsync/pkg/config"
)

const banner = `
███╗   ███╗███████╗ ██████╗ ███████╗██╗   ██╗███╗   ██╗ ██████╗
████╗ ████║██╔════╝██╔════╝ ██╔════╝╚██╗ ██╔╝████╗  ██║██╔════╝
██╔████╔██║███████╗██║  ███╗███████╗ ╚████╔╝ ██╔██╗ ██║██║
██║╚██╔╝██║╚════██║██║   ██║╚════██║  ╚██╔╝  ██║╚██╗██║██║
██║ ╚═╝ ██║███████║╚██████╔╝███████║   ██║   ██║ ╚████║╚██████╗
╚═╝     ╚═╝╚══════╝ ╚═════╝ ╚══════╝   ╚═╝   ╚═╝  ╚═══╝ ╚═════╝
`

// PrintWithEff prints the startup banner using an EffectiveConfigResult
// for runtime context (listen address, store path, config source).
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	dbPath := eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Storage.DBPath
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("Store:    %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n", src)

	fmt.Println("\n== Examples ===================================================")
	fmt.Println(`curl -X POST 'http://<host>:<port>/v1/conversations/c1/messages' -d '{"body":"hello"}'`)
	fmt.Println("curl 'http://<host>:<port>/v1/conversations/c1/messages?limit=10'")

	fmt.Println("\n== Checks =====================================================")
	if eff.Config != nil && eff.Config.Session.UserID != "" {
		fmt.Printf("- Session: %s", eff.Config.Session.UserID)
		if eff.Config.Session.DeviceID != "" {
			fmt.Printf(" / %s", eff.Config.Session.DeviceID)
		}
		fmt.Println()
	} else {
		fmt.Println("- Session: MISSING (set session.user_id or MSGSYNC_USER_ID)")
	}

	if eff.Config != nil && eff.Config.Remote.URL != "" {
		fmt.Printf("- Remote:  %s\n", eff.Config.Remote.URL)
	} else {
		fmt.Println("- Remote:  unset (engine starts offline; sends queue locally)")
	}

	if eff.Config != nil && eff.Config.Janitor.Enabled {
		fmt.Printf("- Janitor: enabled (cron=%s)\n", eff.Config.Janitor.Cron)
	} else {
		fmt.Println("- Janitor: disabled")
	}

	if eff.Config != nil && eff.Config.Server.HealthPort != 0 {
		fmt.Printf("- Health:  dedicated listener on :%d\n", eff.Config.Server.HealthPort)
	}

	fmt.Println("\n== Logs: =================================================")
}
