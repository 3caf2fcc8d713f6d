// Synthflow is the execution core behind a node-canvas image generation
// editor.  The canvas UI produces a list of nodes and edges on every edit;
// this module turns that list into a dependency graph, prunes it at nodes
// that already hold a generated result, schedules the remaining work, and
// manages the preprocessed guide images (pose, depth, edge) that ControlNet
// nodes consume - caching them under a memory budget and triggering
// preprocessing when an image node is connected to a ControlNet node.
package synthflow
