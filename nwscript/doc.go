/*

Process of analysis

Compiled Bytecode (ncs) ->
	decode ->
Instruction Stream ->
	constructBlocks ->
Control Flow Graph (blocks) ->
	findDeadBlockEdges ->
	identifySubRoutines ->
SubRoutines ->
	analyzeStack ->
Typed Variables and Globals

Later stages only annotate earlier ones, they never restructure them.

*/
package nwscript
