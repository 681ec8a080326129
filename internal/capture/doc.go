// Package capture builds the environments that deferred tasks run against.
//
// An Environment is built once, at the point a task is created, from a list
// of Specs. Each spec names a captured binding and says how it is taken:
//
//   - value: the current contents of a Cell (or a literal) are copied and
//     frozen; later stores to the cell are not observed.
//   - strong, weak, unowned: a relation of that kind is installed from the
//     environment to the node the source denotes at build time. Reads
//     resolve it freshly, so a weak capture reads as absent once its target
//     is gone and an unowned capture fails with arc.DanglingAccessError.
//   - ambient: the rule used when no capture list is written. Cells are
//     captured by reference to their storage (later stores are observed)
//     and nodes are captured strongly.
//
// The environment is itself a heap node. Relation captures are its fields,
// so an environment stored in a field of a node it strongly captures forms
// a strong cycle that arc.FindLeaks reports.
package capture
