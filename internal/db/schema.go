package db

// Fixed table names, per the specification's persistent-layout section.
const (
	TableDevices        = "tkmDevices"
	TableSessions       = "tkmSessions"
	TableSysProcStat    = "tkmSysProcStat"
	TableSysProcMeminfo = "tkmSysProcMeminfo"
	TableSysProcPressure = "tkmSysProcPressure"
	TableProcAcct       = "tkmProcAcct"
	TableProcEvent      = "tkmProcEvent"
	TableProcInfo       = "tkmProcInfo"
	TableContextInfo    = "tkmContextInfo"
	TableDiskStats      = "tkmProcDiskStats"
	TableVMStat         = "tkmProcVMStat"
	TableBuddyInfo      = "tkmBuddyInfo"
	TableWireless       = "tkmWireless"
)

func devicesTable() Table {
	return Table{
		Name: TableDevices,
		Columns: []Column{
			{Name: "Id", Type: TypeInteger, PrimaryKey: true},
			{Name: "Hash", Type: TypeText, NotNull: true},
			{Name: "Name", Type: TypeText, NotNull: true},
			{Name: "Address", Type: TypeText, NotNull: true},
			{Name: "Port", Type: TypeInteger, NotNull: true},
		},
	}
}

func sessionsTable() Table {
	return Table{
		Name: TableSessions,
		Columns: []Column{
			{Name: "Id", Type: TypeInteger, PrimaryKey: true},
			{Name: "Hash", Type: TypeText, NotNull: true},
			{Name: "Name", Type: TypeText, NotNull: true},
			{Name: "StartTimestamp", Type: TypeBigInt, NotNull: true},
			{Name: "EndTimestamp", Type: TypeBigInt, NotNull: true},
			{Name: "Device", Type: TypeInteger, NotNull: true},
		},
		ForeignKeys: []ForeignKey{
			{Column: "Device", RefTable: TableDevices, RefColumn: "Id"},
		},
	}
}

// dataTable builds a per-kind measurement table: every data table
// shares (Id, SessionId, SystemTime, MonotonicTime, ReceiveTime) plus
// the given kind-specific columns, and cascades off its owning session.
func dataTable(name string, kindColumns ...string) Table {
	cols := []Column{
		{Name: "Id", Type: TypeInteger, PrimaryKey: true},
		{Name: "SessionId", Type: TypeInteger, NotNull: true},
		{Name: "SystemTime", Type: TypeBigInt, NotNull: true},
		{Name: "MonotonicTime", Type: TypeBigInt, NotNull: true},
		{Name: "ReceiveTime", Type: TypeBigInt, NotNull: true},
	}
	for _, kc := range kindColumns {
		cols = append(cols, Column{Name: kc, Type: TypeText})
	}
	return Table{
		Name:    name,
		Columns: cols,
		ForeignKeys: []ForeignKey{
			{Column: "SessionId", RefTable: TableSessions, RefColumn: "Id"},
		},
	}
}

func sysProcStatTable() Table {
	return dataTable(TableSysProcStat, "CPUId", "All", "Usr", "Sys", "Iow", "Hrq", "Srq")
}

func sysProcMeminfoTable() Table {
	return dataTable(TableSysProcMeminfo, "MemTotal", "MemFree", "MemAvail", "Cached")
}

func sysProcPressureTable() Table {
	cols := []string{}
	for _, what := range []string{"CPUSome", "MemSome", "MemFull", "IOSome", "IOFull"} {
		cols = append(cols, what+"Avg10", what+"Avg60", what+"Avg300", what+"Total")
	}
	return dataTable(TableSysProcPressure, cols...)
}

func procAcctTable() Table {
	return dataTable(TableProcAcct,
		"AcComm", "AcUid", "AcGid", "AcPid", "AcPPid",
		"AcUTime", "AcSTime", "CpuCount", "CpuRunRealTotal", "CpuRunVirtualTotal",
		"SwapinCount", "SwapinDelayTotal", "BlkIOCount", "BlkIODelayTotal", "ThrashingCount")
}

func procEventTable() Table {
	return dataTable(TableProcEvent, "ForkPid", "ForkChildPid", "ExecPid", "ExitPid", "ExitCode")
}

func procInfoTable() Table {
	return dataTable(TableProcInfo, "Pid", "Comm", "State", "VmRSS", "VmSize")
}

func contextInfoTable() Table {
	return dataTable(TableContextInfo, "TotalRunTime", "SysUptime", "CtxId")
}

func diskStatsTable() Table {
	return dataTable(TableDiskStats, "Device", "ReadsCompleted", "WritesCompleted", "IOInProgress")
}

func vmStatTable() Table {
	return dataTable(TableVMStat, "PgFault", "PgMajFault", "PgFree", "PgScanKswapd")
}

func buddyInfoTable() Table {
	return dataTable(TableBuddyInfo, "Node", "Zone", "FreeChunks")
}

func wirelessTable() Table {
	return dataTable(TableWireless, "Interface", "Link", "Level", "Noise")
}

// allTables enumerates every table InitDatabase must create. Order
// matters: sessions references devices, and every data-kind table
// references sessions, so parents are created first.
func allTables() []Table {
	return []Table{
		devicesTable(),
		sessionsTable(),
		sysProcStatTable(),
		sysProcMeminfoTable(),
		sysProcPressureTable(),
		procAcctTable(),
		procEventTable(),
		procInfoTable(),
		contextInfoTable(),
		diskStatsTable(),
		vmStatTable(),
		buddyInfoTable(),
		wirelessTable(),
	}
}

// dataTableByKind maps an envelope.Data payload's Kind field to the
// table that stores it, for AddData routing.
func dataTableByKind(kind string) (Table, bool) {
	switch kind {
	case "SysProcStat":
		return sysProcStatTable(), true
	case "SysProcMeminfo":
		return sysProcMeminfoTable(), true
	case "SysProcPressure":
		return sysProcPressureTable(), true
	case "ProcAcct":
		return procAcctTable(), true
	case "ProcEvent":
		return procEventTable(), true
	case "ProcInfo":
		return procInfoTable(), true
	case "ContextInfo":
		return contextInfoTable(), true
	case "DiskStats":
		return diskStatsTable(), true
	case "VMStat":
		return vmStatTable(), true
	case "BuddyInfo":
		return buddyInfoTable(), true
	case "Wireless":
		return wirelessTable(), true
	default:
		return Table{}, false
	}
}
