package version

// Int is the version of the schedule language and the generated code. It
// increases whenever either changes incompatibly.
const Int = 1
