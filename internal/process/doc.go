// Package process runs one external command to completion.
//
// A Process is built from an argv slice, never a shell string, so paths with spaces or
// quotes pass through untouched. Run blocks until the child has exited and both of its
// output pipes have been read to EOF, so an OutputHandler has seen every line by the time
// the exit code is returned.
//
// Cancelling the context passed to Run sends SIGINT to the child's process group, then
// SIGKILL after the graceful timeout.
//
//	proc := process.New("job-1", []string{"waifu2x-ncnn-vulkan", "-i", in, "-o", out}, logger)
//	proc.SetDir(resourceRoot)
//	proc.SetOutputHandler(handler)
//	exitCode, err := proc.Run(ctx)
package process
