package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTable_WordColumns(t *testing.T) {
	out := "JOBID                USER         NAME                                             STATE     \n" +
		"4411                 hydro        WH_job7_12                                       RUNNING   \n" +
		"4412                 hydro        WC_job7_12                                       PENDING   \n"

	tbl, err := parseTable(out, []string{"JOBID", "USER", "NAME", "STATE"})
	require.NoError(t, err)
	require.Len(t, tbl.rows, 2)
	assert.Equal(t, "WH_job7_12", tbl.rows[0]["NAME"])
	assert.Equal(t, "PENDING", tbl.rows[1]["STATE"])
}

func TestParseTable_ForwardFillsContinuationRows(t *testing.T) {
	out := "JOBID       USER        STAT    EXEC_HOST               JOB_NAME\n" +
		"9001        hydro       RUN     4*node01                WH_job7_12\n" +
		"                                4*node02                \n" +
		"                                4*node03                \n" +
		"9002        hydro       PEND    -                       WH_job7_13\n"

	tbl, err := parseTable(out, []string{"JOBID", "USER", "STAT", "JOB_NAME"})
	require.NoError(t, err)
	require.Len(t, tbl.rows, 4)

	for i := 0; i < 3; i++ {
		assert.Equal(t, "9001", tbl.rows[i]["JOBID"])
		assert.Equal(t, "WH_job7_12", tbl.rows[i]["JOB_NAME"])
		assert.Equal(t, "RUN", tbl.rows[i]["STAT"])
	}
	assert.Equal(t, "4*node03", tbl.rows[2]["EXEC_HOST"])
	assert.Equal(t, "WH_job7_13", tbl.rows[3]["JOB_NAME"])
}

func TestParseTable_SeparatorColumns(t *testing.T) {
	out := "\npbs01:\n" +
		"                                                            Req'd  Req'd   Elap\n" +
		"Job ID          Username Queue    Jobname    SessID NDS TSK Memory Time  S Time\n" +
		"--------------- -------- -------- ---------- ------ --- --- ------ ----- - -----\n" +
		"1201.pbs01      hydro    regular  WH_job7_12  33012   2  72    --  04:00 R 01:10\n" +
		"1202.pbs01      hydro    regular  WC_job7_12     --   1   1    --  01:00 Q   -- \n"

	tbl, err := parseTable(out, []string{"Job ID", "Username", "Jobname", "S"})
	require.NoError(t, err)
	require.Len(t, tbl.rows, 2)
	assert.Equal(t, "1201.pbs01", tbl.rows[0]["Job ID"])
	assert.Equal(t, "WH_job7_12", tbl.rows[0]["Jobname"])
	assert.Equal(t, "R", tbl.rows[0]["S"])
	assert.Equal(t, "Q", tbl.rows[1]["S"])
}

func TestParseTable_MissingHeader(t *testing.T) {
	_, err := parseTable("slurm_load_jobs error: Socket timed out\n", []string{"JOBID", "NAME"})
	assert.Error(t, err)
}

func TestParseTable_HeaderOnly(t *testing.T) {
	tbl, err := parseTable("JOBID USER NAME STATE\n", []string{"JOBID", "USER", "NAME", "STATE"})
	require.NoError(t, err)
	assert.Empty(t, tbl.rows)
}
