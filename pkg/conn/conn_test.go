package conn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	testCases := []struct {
		desc string
		opt  Option
		want string
	}{
		{desc: "defaults", opt: Option{}, want: "postgres://localhost:5432?sslmode=disable"},
		{
			desc: "credentials and params",
			opt:  Option{Host: "db", Port: 6543, User: "trader", Password: "s3cret", Database: "core", Params: map[string]string{"application_name": "tradecore"}},
			want: "postgres://trader:s3cret@db:6543/core?application_name=tradecore&sslmode=disable",
		},
		{desc: "conn string wins", opt: Option{Host: "ignored", ConnString: "postgres://x/y"}, want: "postgres://x/y"},
	}
	for _, tc := range testCases {
		got, err := tc.opt.dsn()
		require.NoError(t, err)
		if got != tc.want {
			t.Fatalf("mismatch! %s: want %s, got %s", tc.desc, tc.want, got)
		}
	}
}

func TestOpenSQLite(t *testing.T) {
	c, err := New(Option{Driver: DriverSQLite})
	require.NoError(t, err)
	require.NoError(t, c.DB().Exec("CREATE TABLE t (id integer)").Error)
	require.NoError(t, c.Close())

	_, err = New(Option{Driver: "mysql"})
	require.Error(t, err)
}
