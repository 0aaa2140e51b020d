// Package version хранит сведения о сборке, которые проставляются через -ldflags:
//
//	-X github.com/vladislavdragonenkov/storefront-orders/internal/version.version=v1.2.0
package version

import "fmt"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, коммит и дату сборки.
func Info() (v, c, d string) { return version, commit, date }

// GetVersion возвращает версию сборки.
func GetVersion() string { return version }

// GetCommit возвращает коммит сборки.
func GetCommit() string { return commit }

// GetDate возвращает дату сборки.
func GetDate() string { return date }

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}

// UserAgent собирает User-Agent для исходящих HTTP-запросов утилит витрины.
func UserAgent(tool string) string {
	if tool == "" {
		tool = "storefront-orders"
	}
	return fmt.Sprintf("%s/%s (%s)", tool, version, shortCommit())
}

func shortCommit() string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}
