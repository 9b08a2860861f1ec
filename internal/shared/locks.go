package shared

// FiscalSwitchLockKey is the redis key guarding the current fiscal year pointer.
const FiscalSwitchLockKey = "fiscal:current:lock"
