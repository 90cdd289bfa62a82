package tinystm

/*
TinySTM is a software transactional memory engine: shared mutable cells (refs) that goroutines read and write
inside transactions with snapshot isolation. Transactions retry on conflict, older transactions may kill younger
ones that stand in their way, and a transaction can block until the refs it depends on change.

The `tinystm` module is organized into the following packages:

* `stm`: refs, the transaction manager and its attempt loop, blocking behaviors, lifecycle events and thunks.
* `config`: manager configuration, loaded from TOML or YAML.
* `bench`: workloads, a multi-threaded client and reports used to benchmark and soak the manager.
* `cmd/stm-bench`: the command line front end of `bench`.
* `util`: a background worker and logger setup shared by the packages above.
*/
