package postgres

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterGlobalsSQL_DropsTargetUserRoles(t *testing.T) {
	content := strings.Join([]string{
		"CREATE ROLE app;",
		"ALTER ROLE app WITH LOGIN PASSWORD 'md5abc';",
		"CREATE ROLE admin WITH SUPERUSER;",
		"ALTER ROLE admin WITH PASSWORD 'md5def';",
		"GRANT app TO admin;",
	}, "\n")

	filtered, skipped := FilterGlobalsSQL(content, "admin")
	require.Equal(t, 2, skipped)
	require.Contains(t, filtered, "CREATE ROLE app;")
	require.Contains(t, filtered, "ALTER ROLE app WITH LOGIN PASSWORD 'md5abc';")
	require.Contains(t, filtered, "GRANT app TO admin;")
	require.NotContains(t, filtered, "CREATE ROLE admin")
	require.NotContains(t, filtered, "ALTER ROLE admin")
}

func TestFilterGlobalsSQL_TrailingSemicolonForm(t *testing.T) {
	filtered, skipped := FilterGlobalsSQL("CREATE ROLE admin;", "admin")
	require.Equal(t, 1, skipped)
	require.NotContains(t, filtered, "CREATE ROLE admin")
}

func TestFilterGlobalsSQL_KeepsUnrelatedRoles(t *testing.T) {
	filtered, skipped := FilterGlobalsSQL("CREATE ROLE administrator;", "admin")
	require.Equal(t, 0, skipped)
	require.Contains(t, filtered, "CREATE ROLE administrator;")
}

func TestFilterGlobalsStderr_DropsResumeNoise(t *testing.T) {
	stderr := strings.Join([]string{
		`ERROR:  role "app" already exists`,
		"WARNING:  setting an MD5-encrypted password",
		"DETAIL:  MD5 password support is deprecated",
		"HINT:  Refer to the PostgreSQL documentation",
		"",
		"ERROR:  permission denied for tablespace fast",
	}, "\n")

	kept := filterGlobalsStderr(stderr)
	require.Equal(t, "ERROR:  permission denied for tablespace fast", kept)
}

func TestFilterGlobalsStderr_AllNoise(t *testing.T) {
	require.Empty(t, filterGlobalsStderr(`ERROR:  role "app" already exists`+"\n"))
}
