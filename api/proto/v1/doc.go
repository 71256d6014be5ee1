// Package kvtreev1 provides the wire types for the kvtree RPCs and a JSON
// codec that carries them over Connect.
//
// The types are hand-written Go structs; there is no .proto source and no
// code generation step.
//
// @design DS-0301
// @design DS-0401
package kvtreev1
