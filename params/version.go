package params

import "fmt"

const (
	VersionMajor = 0
	VersionMinor = 3
	VersionPatch = 0
)

var Version = fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)

func VersionWithCommit(gitCommit, gitDate string) string {
	version := Version
	if len(gitCommit) >= 8 {
		version += "-" + gitCommit[:8]
	}
	if gitDate != "" {
		version += "-" + gitDate
	}
	return version
}
