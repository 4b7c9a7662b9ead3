package ir

// IRVersion suffixes every hash domain. Changing it changes every identity.
const IRVersion = "v1"

// EngineVersion is what graft --version prints.
const EngineVersion = "0.3.0"
