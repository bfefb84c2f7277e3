// Package kvstore is the sharded embedding store trainers push to and pull
// from.
//
// Each store server hosts one shard of every table and runs a single service
// loop; every request, whichever HTTP connection it arrived on, is applied in
// arrival order by that loop. A server starts serving only after all of its
// expected clients connected and stops once all of them sent FINAL. Any
// malformed request stops it with an error, releasing every waiting client.
//
// A Client knows every server. It splits a batch of global ids by owning
// server using the table's shard.Layout, sends one message per server in
// parallel and reassembles the replies.
//
//	c, _ := kvstore.NewClient(kvstore.ClientOptions{Servers: book, Rank: rank})
//	_ = c.Connect(ctx)
//	if rank == 0 {
//	    _ = c.InitData(ctx, "emb", numNodes, 64, storage.Init{Kind: storage.InitUniform, Low: -0.1, High: 0.1})
//	}
//	_ = c.Barrier(ctx)
//	_, _ = c.Attach(ctx, "emb")
//	rows, _ := c.PullOrdered(ctx, "emb", batch)
//	_ = c.Push(ctx, "emb", batch, grads)
//	_ = c.ShutDown(ctx)
package kvstore
